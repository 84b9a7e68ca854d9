package perception

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// Tier identifies the depth of a perception pass. The concrete tiers are
// ordered: a higher tier's result always includes every lower tier's fields.
type Tier int

const (
	Lightning Tier = iota
	Quick
	Standard
	Deep
	// Adaptive is resolved to a concrete tier by the scheduler.
	Adaptive
)

// ConcreteTiers lists the runnable tiers in ascending order.
var ConcreteTiers = []Tier{Lightning, Quick, Standard, Deep}

var tierNames = [...]string{"lightning", "quick", "standard", "deep", "adaptive"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Concrete reports whether t is one of the four runnable tiers.
func (t Tier) Concrete() bool { return t >= Lightning && t <= Deep }

// ParseTier accepts a tier name in any case.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == s {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown perception tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Budgets maps each concrete tier to its latency budget.
type Budgets map[Tier]time.Duration

// DefaultBudgets are 50, 200, 500 and 1000 ms.
func DefaultBudgets() Budgets {
	return Budgets{
		Lightning: 50 * time.Millisecond,
		Quick:     200 * time.Millisecond,
		Standard:  500 * time.Millisecond,
		Deep:      1000 * time.Millisecond,
	}
}

// BudgetsFromConfig fills unset entries with the defaults.
func BudgetsFromConfig(cfg config.TierBudgets) Budgets {
	b := DefaultBudgets()
	for t, d := range map[Tier]time.Duration{
		Lightning: cfg.Lightning,
		Quick:     cfg.Quick,
		Standard:  cfg.Standard,
		Deep:      cfg.Deep,
	} {
		if d > 0 {
			b[t] = d
		}
	}
	return b
}
