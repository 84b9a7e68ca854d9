package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// contentGenerator is the slice of *genai.Models the provider uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider implements schemas.Provider on the Gemini API.
type GeminiProvider struct {
	models contentGenerator
	cfg    config.GeminiConfig
	logger *zap.Logger
}

// NewGeminiProvider creates the SDK client. The API key is required.
func NewGeminiProvider(ctx context.Context, cfg config.GeminiConfig, logger *zap.Logger) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newGeminiProvider(client.Models, cfg, logger), nil
}

func newGeminiProvider(models contentGenerator, cfg config.GeminiConfig, logger *zap.Logger) *GeminiProvider {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiProvider{models: models, cfg: cfg, logger: logger.Named("llm_client.gemini")}
}

func (g *GeminiProvider) Name() string { return "gemini" }

// Profile implements Profiled.
func (g *GeminiProvider) Profile() Profile {
	return Profile{
		CostPer1KTokens: g.cfg.CostPer1KTokens,
		ExpectedLatency: 2 * time.Second,
		Specializations: []Task{TaskPlan, TaskCreative},
	}
}

const systemPrompt = `You drive a web browser for a user. Reply with a single JSON object and nothing else.`

const intentPrompt = `Classify the user's request.
Request: %s
Page: %s

Reply as {"type": one of click|type|navigate|search|extract|select|wait, "target": string, "value": string, "entities": {string: string}, "confidence": 0..1}.`

const planPrompt = `Goal: %s
Intent: %s
Constraints: %s
Page: %s

Propose up to three browser actions, best first, using only selectors listed in the page context.
Reply as {"actions": [{"action_type": string, "selector": string, "parameters": {string: string}, "confidence": 0..1, "reasoning": string}], "confidence": 0..1, "reasoning": string}.`

const creativePrompt = `Problem: %s
Constraints: %s

Suggest an approach. Reply as {"approach": string, "steps": [string], "confidence": 0..1}.`

// generate sends one prompt and returns the reply text with its accounting.
func (g *GeminiProvider) generate(ctx context.Context, prompt string) (string, schemas.CallMeta, error) {
	meta := schemas.CallMeta{Provider: g.Name(), Model: g.cfg.Model}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(g.cfg.Temperature),
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	if g.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = g.cfg.MaxTokens
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.cfg.Model, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, genCfg)
	meta.Latency = time.Since(start)
	if err != nil {
		g.logger.Warn("Gemini request failed", zap.Error(err), zap.Duration("duration", meta.Latency))
		return "", meta, fmt.Errorf("gemini model request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", meta, fmt.Errorf("gemini model returned no candidates")
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
		}
	}
	if text.Len() == 0 {
		if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
			return "", meta, fmt.Errorf("gemini model blocked the request (reason: %s)", candidate.FinishReason)
		}
		return "", meta, fmt.Errorf("gemini model returned empty content (reason: %s)", candidate.FinishReason)
	}

	if u := resp.UsageMetadata; u != nil {
		meta.Tokens = int(u.TotalTokenCount)
		meta.CostUSD = float64(meta.Tokens) / 1000 * g.cfg.CostPer1KTokens
		g.logger.Info("LLM generation complete (Gemini)",
			zap.Duration("duration", meta.Latency),
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount))
	}
	return text.String(), meta, nil
}

func pageSummary(ictx schemas.IntentContext) string {
	b, err := json.Marshal(ictx)
	if err != nil {
		return ictx.PageURL
	}
	return string(b)
}

func (g *GeminiProvider) UnderstandIntent(ctx context.Context, input string, ictx schemas.IntentContext) (schemas.Intent, schemas.CallMeta, error) {
	reply, meta, err := g.generate(ctx, fmt.Sprintf(intentPrompt, input, pageSummary(ictx)))
	if err != nil {
		return schemas.Intent{}, meta, err
	}
	intent, err := llmutil.ParseJSONResponse[schemas.Intent](reply)
	if err != nil {
		return schemas.Intent{}, meta, err
	}
	return *intent, meta, nil
}

func (g *GeminiProvider) CreatePlan(ctx context.Context, intent schemas.Intent, pctx schemas.PlanContext) (schemas.Plan, schemas.CallMeta, error) {
	ib, _ := json.Marshal(intent)
	prompt := fmt.Sprintf(planPrompt, pctx.Goal, ib, strings.Join(pctx.Constraints, "; "), pageSummary(pctx.IntentContext))
	reply, meta, err := g.generate(ctx, prompt)
	if err != nil {
		return schemas.Plan{}, meta, err
	}
	plan, err := llmutil.ParseJSONResponse[schemas.Plan](reply)
	if err != nil {
		return schemas.Plan{}, meta, err
	}
	if len(plan.Actions) == 0 {
		return schemas.Plan{}, meta, fmt.Errorf("gemini plan has no actions")
	}
	return *plan, meta, nil
}

func (g *GeminiProvider) GenerateCreative(ctx context.Context, problem string, constraints []string) (schemas.Solution, schemas.CallMeta, error) {
	reply, meta, err := g.generate(ctx, fmt.Sprintf(creativePrompt, problem, strings.Join(constraints, "; ")))
	if err != nil {
		return schemas.Solution{}, meta, err
	}
	sol, err := llmutil.ParseJSONResponse[schemas.Solution](reply)
	if err != nil {
		return schemas.Solution{}, meta, err
	}
	return *sol, meta, nil
}

// HealthCheck issues a tiny request. A failed probe is reported as unhealthy
// rather than as an error.
func (g *GeminiProvider) HealthCheck(ctx context.Context) (schemas.Health, error) {
	_, meta, err := g.generate(ctx, `Reply with {"ok": true}.`)
	if err != nil {
		return schemas.Health{Healthy: false, Latency: meta.Latency, Message: err.Error()}, nil
	}
	return schemas.Health{Healthy: true, Latency: meta.Latency}, nil
}
