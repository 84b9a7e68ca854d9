package perception

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Factory maps each concrete tier to its strategy.
type Factory struct {
	strategies map[Tier]Strategy
	sites      *SiteRegistry
}

// NewFactory builds the four tier strategies with the given budgets. The site
// registry is shared by every Deep pass.
func NewFactory(budgets Budgets, sites *SiteRegistry, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sites == nil {
		sites = NewSiteRegistry()
	}
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	f := &Factory{strategies: make(map[Tier]Strategy, len(ConcreteTiers)), sites: sites}
	for _, t := range ConcreteTiers {
		f.strategies[t] = &tierStrategy{
			tier:   t,
			budget: budgets[t],
			sites:  sites,
			logger: logger.Named("perception").With(zap.Stringer("tier", t)),
			now:    time.Now,
		}
	}
	return f
}

// Register replaces the strategy for its tier.
func (f *Factory) Register(s Strategy) {
	f.strategies[s.Tier()] = s
}

// Get returns the strategy for a concrete tier.
func (f *Factory) Get(t Tier) (Strategy, error) {
	s, ok := f.strategies[t]
	if !ok {
		return nil, fmt.Errorf("no perception strategy for tier %s", t)
	}
	return s, nil
}

// Sites exposes the shared site registry.
func (f *Factory) Sites() *SiteRegistry { return f.sites }
