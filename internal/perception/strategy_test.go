package perception

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

func TestTier_ParseAndText(t *testing.T) {
	for _, tier := range append(ConcreteTiers, Adaptive) {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("turbo")
	assert.Error(t, err)
	assert.False(t, Adaptive.Concrete())

	b, err := json.Marshal(map[string]Tier{"t": Standard})
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"standard"}`, string(b))
}

func TestStrategies_TierInclusion(t *testing.T) {
	f := NewFactory(DefaultBudgets(), nil, zaptest.NewLogger(t))
	for _, tier := range ConcreteTiers {
		t.Run(tier.String(), func(t *testing.T) {
			b := newShopBrowser(t)
			st, err := f.Get(tier)
			require.NoError(t, err)

			start := time.Now()
			res, err := st.Perceive(context.Background(), b, Target{URL: shopURL})
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 2*st.Budget())

			assert.Equal(t, tier, res.TierActual)
			assert.True(t, res.Complete(), "tier %s result must carry exactly its own and lower fields", tier)
			assert.Equal(t, schemas.OutcomeOk, res.Status)
			assert.LessOrEqual(t, len(res.KeyElements), maxKeyElements)
			assert.InDelta(t, 0.5, res.Confidence, 0.5)
			assert.InDelta(t, 0.5, res.Quality, 0.5)
		})
	}
}

func TestLightning_PriorityRanking(t *testing.T) {
	f := NewFactory(nil, nil, nil)
	st, _ := f.Get(Lightning)
	res, err := st.Perceive(context.Background(), newShopBrowser(t), Target{URL: shopURL})
	require.NoError(t, err)
	require.NotEmpty(t, res.KeyElements)

	top := res.KeyElements[0]
	assert.Equal(t, "submit_buttons", top.Probe)
	assert.Equal(t, "button", top.TagName)
	assert.Equal(t, 1.0, top.Score)

	seen := map[string]bool{}
	for i, e := range res.KeyElements {
		assert.False(t, seen[e.Selector], "duplicate selector %s", e.Selector)
		seen[e.Selector] = true
		if i > 0 {
			assert.LessOrEqual(t, e.Score, res.KeyElements[i-1].Score)
		}
	}
	assert.Equal(t, "Shop - Sign in", res.Title)
}

func TestQuickAndStandard_Enrichment(t *testing.T) {
	f := NewFactory(nil, nil, nil)
	st, _ := f.Get(Standard)
	res, err := st.Perceive(context.Background(), newShopBrowser(t), Target{URL: shopURL})
	require.NoError(t, err)

	assert.True(t, res.Layout.HasHeader)
	assert.True(t, res.Layout.HasNavigation)
	assert.True(t, res.Layout.HasMain)
	assert.True(t, res.Layout.HasFooter)
	assert.True(t, res.Layout.HasSidebar)
	assert.Len(t, res.NavigationPaths, 4)

	assert.Equal(t, "en", res.Content.Language)
	require.NotEmpty(t, res.Content.Headings)
	assert.Equal(t, Heading{Level: 1, Text: "Sign in to your account"}, res.Content.Headings[0])
	assert.NotContains(t, res.Content.Summary, "var x")

	require.Len(t, res.Forms, 1)
	form := res.Forms[0]
	assert.Equal(t, "#login-form", form.Selector)
	assert.Equal(t, "post", form.Method)
	require.Len(t, form.Fields, 2, "hidden inputs are not fields")
	assert.Equal(t, FormField{Name: "email", Type: "email", Selector: "#email", Label: "Email address", Required: true}, form.Fields[0])
	assert.Equal(t, "#login-form > button:nth-of-type(1)", form.SubmitSelector)

	require.Len(t, res.Media, 1)
	assert.Equal(t, "Shop logo", res.Media[0].Alt)
}

func TestDeep_ModelEntitiesAndSiteContext(t *testing.T) {
	sites := NewSiteRegistry()
	f := NewFactory(nil, sites, zaptest.NewLogger(t))
	st, _ := f.Get(Deep)

	res, err := st.Perceive(context.Background(), newShopBrowser(t), Target{URL: shopURL})
	require.NoError(t, err)
	assert.Equal(t, "login", res.PageModel.PageType)
	assert.Greater(t, res.PageModel.Complexity, 0.0)
	assert.Equal(t, res.PageModel.Complexity, res.PageComplexity())

	kinds := map[string]string{}
	for _, e := range res.SemanticEntities {
		kinds[e.Kind] = e.Value
	}
	assert.Equal(t, "support@shop.test", kinds["email"])
	assert.Equal(t, "$10.00", kinds["price"])
	assert.Contains(t, kinds, "phone")

	var submits int
	for _, e := range res.InteractionGraph {
		if e.Relation == "submits" {
			submits++
			assert.Equal(t, "#login-form", e.From)
		}
	}
	assert.Equal(t, 1, submits)

	// A selector that keeps failing on this domain is demoted below the
	// unaffected ones.
	forgot := "#forgot"
	for i := 0; i < 4; i++ {
		sites.RecordFailure(shopURL, forgot)
		sites.RecordSuccess(shopURL, "#email")
	}
	res2, err := st.Perceive(context.Background(), newShopBrowser(t), Target{URL: shopURL})
	require.NoError(t, err)
	var forgotScore, emailScore float64
	for _, e := range res2.InteractionElements {
		switch e.Selector {
		case forgot:
			forgotScore = e.Score
		case "#email":
			emailScore = e.Score
		}
	}
	assert.Less(t, forgotScore, 0.5)
	assert.Greater(t, emailScore, forgotScore)

	var kindsSeen []string
	for _, p := range res2.TemporalPatterns {
		kindsSeen = append(kindsSeen, p.Kind)
	}
	assert.Contains(t, kindsSeen, "recurring_success")
	assert.Contains(t, kindsSeen, "recurring_failure")
	assert.Contains(t, kindsSeen, "stable_element")
}

func TestStrategy_ReusesBase(t *testing.T) {
	f := NewFactory(nil, nil, nil)
	light, _ := f.Get(Lightning)
	quick, _ := f.Get(Quick)
	b := newShopBrowser(t)

	base, err := light.Perceive(context.Background(), b, Target{URL: shopURL})
	require.NoError(t, err)
	before := len(b.Calls())

	res, err := quick.Perceive(context.Background(), b, Target{URL: shopURL, Base: base})
	require.NoError(t, err)
	assert.Equal(t, base.KeyElements, res.KeyElements)

	for _, c := range b.Calls()[before:] {
		assert.NotContains(t, c, `button[type="submit"]`, "lightning probes must not run again")
	}
}

func TestStrategy_ProbeFailure(t *testing.T) {
	f := NewFactory(nil, nil, nil)
	st, _ := f.Get(Standard)
	b := newShopBrowser(t)
	b.FailNext("ExecuteScript", nil) // viewport probe succeeds
	b.FailNext("ExecuteScript", errors.New("Execution context was destroyed"))

	res, err := st.Perceive(context.Background(), b, Target{URL: shopURL})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrProbeExecution)
	require.NotNil(t, res, "completed lower tiers are returned")
	assert.Equal(t, Quick, res.TierActual)
	assert.True(t, res.Complete())
}

func TestStrategy_SoftAndHardBudgets(t *testing.T) {
	budgets := DefaultBudgets()
	budgets[Lightning] = 5 * time.Millisecond
	f := NewFactory(budgets, nil, nil)
	st, _ := f.Get(Lightning)

	b := newShopBrowser(t)
	b.SetLatency(2 * time.Millisecond)

	res, err := st.Perceive(context.Background(), b, Target{URL: shopURL})
	require.NoError(t, err, "soft budgets only flag the overrun")
	assert.True(t, res.BudgetExceeded)

	_, err = st.Perceive(context.Background(), b, Target{URL: shopURL, Hard: true})
	require.Error(t, err)
	assert.Equal(t, schemas.KindTimeout, schemas.KindOf(err))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "Sign in", 20, "Sign in"},
		{"word boundary", "Add to basket now", 12, "Add to"},
		{"no space", "abcdef", 4, "abcd"},
		{"multibyte at cut", "aaé", 3, "aa"},
		{"cjk", "購物車結帳", 7, "購物"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
