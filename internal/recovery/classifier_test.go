package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier(nil)
	tests := []struct {
		name string
		err  error
		ectx ErrorContext
		want Category
	}{
		{"refused", errors.New("dial tcp: connection refused"), ErrorContext{}, CategoryNetwork},
		{"dns", errors.New("lookup shop.test: no such host"), ErrorContext{}, CategoryNetwork},
		{"deadline", context.DeadlineExceeded, ErrorContext{}, CategoryTimeout},
		{"tier timeout", schemas.NewError(schemas.KindTierTimeout, "perceive", "quick exceeded 200ms", nil), ErrorContext{}, CategoryTimeout},
		{"chrome", errors.New("chrome: target closed"), ErrorContext{}, CategoryBrowser},
		{"not found", schemas.NewError(schemas.KindNotFound, "resolve", "no element for login button", nil), ErrorContext{Operation: "click"}, CategoryBrowser},
		{"llm", errors.New("provider rate limit hit"), ErrorContext{}, CategoryLLM},
		{"providers", schemas.NewError(schemas.KindAllProvidersFailed, "route", "", nil), ErrorContext{}, CategoryLLM},
		{"pool", schemas.NewError(schemas.KindResourceExhaustion, "acquire", "", nil), ErrorContext{}, CategoryResource},
		{"auth", errors.New("403 forbidden"), ErrorContext{}, CategoryAuth},
		{"validation", schemas.NewError(schemas.KindValidationFailed, "", "", nil), ErrorContext{}, CategoryValidation},
		{"script", errors.New("javascript exception in page"), ErrorContext{}, CategoryExecution},
		{"unknown", errors.New("something odd"), ErrorContext{}, CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, score := c.Classify(tt.err, tt.ectx)
			assert.Equal(t, tt.want, got)
			if tt.want != CategoryUnknown {
				assert.Greater(t, score, 0.0)
			}
		})
	}
}

func TestClassifier_ContextHitsAddWeight(t *testing.T) {
	c := NewClassifier([]Rule{{Name: "n", Category: CategoryNetwork, MessagePatterns: []string{"refused"}, ContextPatterns: []string{"navigate"}, Confidence: 1}})
	_, plain := c.Classify(errors.New("refused"), ErrorContext{})
	_, withCtx := c.Classify(errors.New("refused"), ErrorContext{Operation: "navigate"})
	assert.InDelta(t, 0.8, plain, 1e-9)
	assert.InDelta(t, 1.0, withCtx, 1e-9)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityFor(CategoryNetwork, "navigation"))
	assert.Equal(t, SeverityHigh, SeverityFor(CategoryNetwork, "data_extraction"))
	assert.Equal(t, SeverityHigh, SeverityFor(CategoryBrowser, ""))
	assert.Equal(t, SeverityHigh, SeverityFor(CategoryExecution, ""))
	assert.Equal(t, SeverityHigh, SeverityFor(CategoryAuth, ""))
	assert.Equal(t, SeverityCritical, SeverityFor(CategoryResource, ""))
	assert.Equal(t, SeverityLow, SeverityFor(CategoryValidation, ""))
	assert.Equal(t, SeverityMedium, SeverityFor(CategoryLLM, ""))
	assert.Equal(t, SeverityMedium, SeverityFor(CategoryUnknown, ""))
}

func TestStrategy_Delay(t *testing.T) {
	exp := DefaultStrategies()[CategoryNetwork]
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 8*time.Second, exp.Delay(4))
	assert.Equal(t, 10*time.Second, exp.Delay(5), "capped")

	lin := Strategy{Backoff: BackoffLinear, BaseDelay: 300 * time.Millisecond}
	assert.Equal(t, 900*time.Millisecond, lin.Delay(3))

	assert.True(t, exp.Retries())
	assert.False(t, DefaultStrategies()[CategoryValidation].Retries())
}
