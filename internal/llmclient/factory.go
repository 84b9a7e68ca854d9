package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/metrics"
)

const (
	ProviderMock   = "mock"
	ProviderGemini = "gemini"
)

// NewProvider builds one provider by configured name.
func NewProvider(ctx context.Context, name string, cfg config.DecisionConfig, logger *zap.Logger) (schemas.Provider, error) {
	switch name {
	case ProviderMock:
		return NewMockProvider(ProviderMock, 0), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, cfg.Gemini, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]", name, ProviderMock, ProviderGemini)
	}
}

// NewRouterFromConfig builds every configured provider and routes across them
// in configured order.
func NewRouterFromConfig(ctx context.Context, cfg config.DecisionConfig, breakers BreakerSource, logger *zap.Logger, m *metrics.Metrics) (*Router, error) {
	names := cfg.Providers
	if len(names) == 0 {
		names = []string{ProviderMock}
	}
	providers := make([]schemas.Provider, 0, len(names))
	for _, name := range names {
		p, err := NewProvider(ctx, name, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %q: %w", name, err)
		}
		providers = append(providers, p)
	}
	return NewRouter(cfg, providers, breakers, logger, m)
}
