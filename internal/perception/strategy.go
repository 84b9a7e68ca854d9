package perception

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Target is the page a strategy perceives. The handle is expected to already
// show URL. When Base holds a lower tier's result for the same page, the
// strategy reuses those fields and only runs its own stages.
type Target struct {
	URL  string
	Base *Result
	// Hard turns the tier budget into a deadline.
	Hard bool
}

// Strategy is one perception tier.
type Strategy interface {
	Tier() Tier
	Budget() time.Duration
	// Perceive runs the tier against the page shown by h. On error the partial
	// result holding every fully completed lower tier is returned alongside it,
	// or nil if not even Lightning completed.
	Perceive(ctx context.Context, h schemas.BrowserHandle, target Target) (*Result, error)
}

type tierStrategy struct {
	tier   Tier
	budget time.Duration
	sites  *SiteRegistry
	logger *zap.Logger
	now    func() time.Time
}

var _ Strategy = (*tierStrategy)(nil)

func (s *tierStrategy) Tier() Tier            { return s.tier }
func (s *tierStrategy) Budget() time.Duration { return s.budget }

func (s *tierStrategy) Perceive(ctx context.Context, h schemas.BrowserHandle, target Target) (*Result, error) {
	start := s.now()
	if target.Hard {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.budget)
		defer cancel()
	}

	p := &pass{h: h, target: target, sites: s.sites, logger: s.logger}
	from := Lightning
	var partial *Result
	if b := target.Base; b != nil && b.TierActual < s.tier && b.Complete() {
		cp := *b
		cp.CacheUsed = false
		cp.FallbackReason = ""
		partial = &cp
		next := cp
		p.res = &next
		from = b.TierActual + 1
	} else {
		p.res = &Result{URL: target.URL}
	}
	p.res.TierRequested = s.tier

	for t := from; t <= s.tier; t++ {
		if err := stages[t](ctx, p); err != nil {
			if ctx.Err() != nil && schemas.KindOf(err) != schemas.KindTimeout {
				err = schemas.NewError(schemas.KindTimeout, "perception."+t.String(),
					fmt.Sprintf("deadline reached during %s stage", t), ctx.Err())
			}
			s.logger.Debug("Perception stage failed", zap.Stringer("tier", t), zap.Error(err))
			return partial, err
		}
		s.finish(p.res, t, start)
		// Stages only assign fields, so a shallow copy is a stable snapshot.
		snap := *p.res
		partial = &snap
	}
	res := partial
	if res.BudgetExceeded {
		s.logger.Warn("Perception exceeded tier budget",
			zap.Stringer("tier", s.tier),
			zap.Duration("budget", s.budget),
			zap.Int64("duration_ms", res.DurationMS))
	}
	return res, nil
}

// finish stamps the bookkeeping fields for a result completed through tier t.
func (s *tierStrategy) finish(r *Result, t Tier, start time.Time) {
	elapsed := s.now().Sub(start)
	r.TierActual = t
	r.DurationMS = elapsed.Milliseconds()
	r.BudgetExceeded = elapsed > s.budget
	r.Status = schemas.OutcomeOk
	r.CapturedAt = start.UTC()
	r.Confidence = confidence(r)
	r.Quality = quality(r)
}

// confidence grows with the tier reached and with how much the page yielded.
func confidence(r *Result) float64 {
	c := 0.35 + 0.04*float64(len(r.KeyElements))
	for _, e := range r.KeyElements {
		if e.Probe == "submit_buttons" || e.Probe == "primary_buttons" {
			c += 0.1
			break
		}
	}
	if r.TierActual >= Quick && r.Layout != nil {
		c += 0.03*float64(r.Layout.Landmarks()) + 0.01*math.Min(10, float64(len(r.InteractionElements)))
	}
	if r.TierActual >= Standard && r.Content != nil {
		c += 0.05
		if r.Content.WordCount > 0 {
			c += 0.05
		}
	}
	if r.TierActual >= Deep && r.PageModel != nil {
		c += 0.1
		if r.PageModel.PageType != "generic" {
			c += 0.05
		}
	}
	return round3(math.Min(1, c))
}

// quality blends the mean key element score with how many of the tier's
// sections produced anything.
func quality(r *Result) float64 {
	filled, total := 0, 0
	count := func(nonEmpty bool) {
		total++
		if nonEmpty {
			filled++
		}
	}
	count(len(r.KeyElements) > 0)
	if r.TierActual >= Quick {
		count(len(r.InteractionElements) > 0)
		count(r.Layout != nil && r.Layout.Landmarks() > 0)
		count(len(r.NavigationPaths) > 0)
	}
	if r.TierActual >= Standard {
		count(r.Content != nil && r.Content.WordCount > 0)
		count(len(r.Forms) > 0 || len(r.Media) > 0)
	}
	if r.TierActual >= Deep {
		count(len(r.SemanticEntities) > 0)
		count(len(r.InteractionGraph) > 0)
	}
	return round3(0.5*meanScore(r.KeyElements) + 0.5*float64(filled)/float64(total))
}

func round3(f float64) float64 { return math.Round(f*1000) / 1000 }
