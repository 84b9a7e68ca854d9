package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/mocks"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

func el(selector, text string, visible bool) perception.ScoredElement {
	return perception.ScoredElement{ElementInfo: schemas.ElementInfo{Selector: selector, Text: text, Visible: visible}}
}

func shopPage() *perception.Result {
	return &perception.Result{
		URL:   "https://shop.test/",
		Title: "Shop",
		KeyElements: []perception.ScoredElement{
			el("#login", "Log in", true),
			el("#cart", "Cart", true),
			el("#promo", "Hidden promo", false),
		},
		InteractionElements: []perception.ScoredElement{
			el("#cart", "Cart", true),
			el("#search", "Search", true),
		},
		Forms: []perception.Form{{
			Selector:       "#newsletter",
			SubmitSelector: "#subscribe",
			Fields: []perception.FormField{
				{Name: "email", Selector: "#email", Placeholder: "you@example.com"},
			},
		}},
		PageModel: &perception.PageModel{PageType: "ecommerce"},
	}
}

func TestDecide_WithDeterministicMock(t *testing.T) {
	d, err := New(llmclient.NewMockProvider("mock", 0), zaptest.NewLogger(t))
	require.NoError(t, err)

	dec, err := d.Decide(context.Background(), shopPage(), Goal{Text: "click the cart icon"})
	require.NoError(t, err)
	assert.Equal(t, "click", dec.ActionType)
	assert.Equal(t, "#cart", dec.TargetSelector)
	assert.InDelta(t, 0.81, dec.Confidence, 1e-9)
	assert.Nil(t, dec.Creative)
	assert.Equal(t, []string{"mock", "mock"}, dec.Usage.Providers)

	again, err := d.Decide(context.Background(), shopPage(), Goal{Text: "click the cart icon"})
	require.NoError(t, err)
	assert.Equal(t, dec.TargetSelector, again.TargetSelector)
}

func TestDecide_UnknownSelectorTriggersCreative(t *testing.T) {
	p := new(mocks.MockProvider)
	intent := schemas.Intent{Type: "click", Target: "promo"}
	p.On("UnderstandIntent", mock.Anything, "find the promo", mock.Anything).
		Return(intent, schemas.CallMeta{Provider: "p", Tokens: 10, CostUSD: 0.001}, nil)
	p.On("CreatePlan", mock.Anything, intent, mock.MatchedBy(func(pc schemas.PlanContext) bool {
		return pc.Goal == "find the promo" && pc.PageType == "ecommerce"
	})).Return(schemas.Plan{Actions: []schemas.PlannedAction{
		{ActionType: "click", Selector: "#ghost", Confidence: 0.9},
		{ActionType: "click", Selector: "#login", Confidence: 0.6},
	}, Reasoning: "guess"}, schemas.CallMeta{Provider: "p", Tokens: 20, CostUSD: 0.002}, nil)
	p.On("GenerateCreative", mock.Anything, mock.AnythingOfType("string"), []string{"no login"}).
		Return(schemas.Solution{Approach: "use the site search"}, schemas.CallMeta{Provider: "p", Tokens: 5}, nil)

	d, err := New(p, zaptest.NewLogger(t))
	require.NoError(t, err)
	dec, err := d.Decide(context.Background(), shopPage(), Goal{Text: "find the promo", Constraints: []string{"no login"}})
	require.NoError(t, err)

	assert.Equal(t, "#ghost", dec.TargetSelector)
	assert.InDelta(t, 0.45, dec.Confidence, 1e-9)
	assert.Equal(t, "guess", dec.Reasoning)
	require.Len(t, dec.Alternatives, 1)
	assert.Equal(t, "#login", dec.Alternatives[0].TargetSelector)
	assert.InDelta(t, 0.6, dec.Alternatives[0].Confidence, 1e-9)
	require.NotNil(t, dec.Creative)
	assert.Equal(t, "use the site search", dec.Creative.Approach)
	assert.Equal(t, 35, dec.Usage.Tokens)
	assert.InDelta(t, 0.003, dec.Usage.CostUSD, 1e-12)
	p.AssertExpectations(t)
}

func TestDecide_ProviderFailure(t *testing.T) {
	p := new(mocks.MockProvider)
	cause := schemas.NewError(schemas.KindAllProvidersFailed, "llm.intent", "all providers failed", errors.New("boom"))
	p.On("UnderstandIntent", mock.Anything, mock.Anything, mock.Anything).
		Return(schemas.Intent{}, schemas.CallMeta{}, cause)

	d, err := New(p, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = d.Decide(context.Background(), shopPage(), Goal{Text: "log in"})
	assert.ErrorIs(t, err, schemas.ErrAllProvidersFailed)
	p.AssertNotCalled(t, "CreatePlan", mock.Anything, mock.Anything, mock.Anything)
}

func TestDecide_EmptyGoalAndPlan(t *testing.T) {
	p := new(mocks.MockProvider)
	d, err := New(p, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = d.Decide(context.Background(), nil, Goal{Text: "  "})
	assert.ErrorIs(t, err, schemas.ErrValidationFailed)

	p.On("UnderstandIntent", mock.Anything, mock.Anything, mock.Anything).Return(schemas.Intent{Type: "click"}, schemas.CallMeta{}, nil)
	p.On("CreatePlan", mock.Anything, mock.Anything, mock.Anything).Return(schemas.Plan{}, schemas.CallMeta{}, nil)
	_, err = d.Decide(context.Background(), nil, Goal{Text: "anything"})
	assert.ErrorIs(t, err, schemas.ErrInternal)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestDecide_RejectsUnsupportedActions(t *testing.T) {
	p := new(mocks.MockProvider)
	p.On("UnderstandIntent", mock.Anything, mock.Anything, mock.Anything).Return(schemas.Intent{Type: "click", Confidence: 0.9}, schemas.CallMeta{}, nil)
	p.On("CreatePlan", mock.Anything, mock.Anything, mock.Anything).Return(schemas.Plan{Actions: []schemas.PlannedAction{
		{ActionType: "rm -rf", Selector: "#login", Confidence: 0.9},
		{ActionType: " Click ", Selector: "#login", Confidence: 0.8},
	}}, schemas.CallMeta{}, nil).Once()

	d, err := New(p, zaptest.NewLogger(t))
	require.NoError(t, err)
	dec, err := d.Decide(context.Background(), shopPage(), Goal{Text: "log in"})
	require.NoError(t, err)
	assert.Equal(t, "click", dec.ActionType, "unsupported actions are dropped before ranking")
	assert.Empty(t, dec.Alternatives)

	p.On("CreatePlan", mock.Anything, mock.Anything, mock.Anything).Return(schemas.Plan{Actions: []schemas.PlannedAction{
		{ActionType: "teleport", Confidence: 0.9},
	}}, schemas.CallMeta{}, nil).Once()
	_, err = d.Decide(context.Background(), shopPage(), Goal{Text: "log in"})
	assert.ErrorIs(t, err, schemas.ErrValidationFailed)
	assert.Contains(t, err.Error(), "teleport")
}

func TestBuildContext(t *testing.T) {
	ictx := BuildContext(shopPage())
	assert.Equal(t, "https://shop.test/", ictx.PageURL)
	assert.Equal(t, "ecommerce", ictx.PageType)
	assert.Equal(t, []string{"#login", "#cart", "#search", "#email", "#subscribe"}, ictx.Selectors)
	assert.Equal(t, []string{"Log in", "Cart", "Search", "you@example.com", "submit"}, ictx.VisibleTexts)

	assert.Equal(t, schemas.IntentContext{}, BuildContext(nil))
}
