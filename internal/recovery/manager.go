package recovery

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/metrics"
)

// RetryFunc re-runs the failed operation.
type RetryFunc func(ctx context.Context) error

// Manager classifies failures, runs the matching strategy and keeps a
// bounded error history. It is safe for concurrent use.
type Manager struct {
	cfg        config.RecoveryConfig
	classifier *Classifier
	handler    ActionHandler
	logger     *zap.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu         sync.RWMutex
	strategies map[Category]Strategy
	breakers   map[string]*Breaker
	history    []ErrorRecord
	head       int
	stats      map[Category]*categoryStats
	patterns   map[string]int
	total      int
	recovered  int
}

type categoryStats struct {
	total     int
	recovered int
}

// Option customises a Manager.
type Option func(*Manager)

// WithHandler replaces the action handler.
func WithHandler(h ActionHandler) Option { return func(m *Manager) { m.handler = h } }

// WithClassifier replaces the classifier.
func WithClassifier(c *Classifier) Option { return func(m *Manager) { m.classifier = c } }

// WithStrategy overrides the strategy for one category.
func WithStrategy(cat Category, s Strategy) Option {
	return func(m *Manager) { m.strategies[cat] = s }
}

// WithMetrics records attempts and breaker states.
func WithMetrics(mm *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mm } }

// NewManager builds a manager with the default rules and strategies. Without
// WithHandler the actions are logged but have no collaborators.
func NewManager(cfg config.RecoveryConfig, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}
	m := &Manager{
		cfg:        cfg,
		classifier: NewClassifier(nil),
		logger:     logger.Named("recovery"),
		sleep:      sleepCtx,
		now:        time.Now,
		strategies: DefaultStrategies(),
		breakers:   make(map[string]*Breaker),
		stats:      make(map[Category]*categoryStats),
		patterns:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.handler == nil {
		m.handler = NewDefaultHandler(nil, nil, nil, logger)
	}
	return m
}

// Breaker returns the breaker for service, creating it on first use.
func (m *Manager) Breaker(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[service]; ok {
		return b
	}
	b = NewBreaker(service, m.cfg.BreakerThreshold, m.cfg.BreakerResetAfter, m.logger, m.metrics)
	m.breakers[service] = b
	return b
}

// Call runs fn behind the named service's breaker. An open breaker returns
// CircuitOpen without calling fn.
func (m *Manager) Call(ctx context.Context, service string, fn func(context.Context) error) error {
	return m.Breaker(service).Do(ctx, fn)
}

func (m *Manager) strategyFor(cat Category) Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.strategies[cat]; ok {
		return s
	}
	return m.strategies[CategoryUnknown]
}

// Classify exposes the category and severity the manager would assign.
func (m *Manager) Classify(err error, ectx ErrorContext) (Category, Severity) {
	cat, _ := m.classifier.Classify(err, ectx)
	return cat, SeverityFor(cat, ectx.TaskType)
}

// Handle runs the recovery strategy for err. retry re-runs the failed
// operation and may be nil, in which case only remedial actions run. The
// returned error is nil when the record resolved as Recovered, Partial or
// WorkedAround.
func (m *Manager) Handle(ctx context.Context, err error, ectx ErrorContext, retry RetryFunc) (*ErrorRecord, error) {
	cat, conf := m.classifier.Classify(err, ectx)
	rec := &ErrorRecord{
		ID:         uuid.NewString(),
		Timestamp:  m.now(),
		Category:   cat,
		Confidence: conf,
		Severity:   SeverityFor(cat, ectx.TaskType),
		Message:    err.Error(),
		Context:    ectx,
	}
	strategy := m.strategyFor(cat)
	log := m.logger.With(
		zap.String("error_id", rec.ID),
		zap.String("category", string(cat)),
		zap.String("strategy", strategy.Name))
	log.Info("Handling error", zap.Error(err), zap.Stringer("severity", rec.Severity), zap.Float64("confidence", conf))

	if m.cfg.RecoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RecoveryTimeout)
		defer cancel()
	}

	var breaker *Breaker
	if ectx.Service != "" {
		breaker = m.Breaker(ectx.Service)
		if berr := breaker.Rejecting(); berr != nil {
			m.attempt(rec, strategy.Name, ActionRetry, time.Now(), AttemptSkipped, berr)
			rec.Resolution = ResolutionUnrecovered
			m.finish(rec, log)
			return rec, berr
		}
	}

	maxAttempts := strategy.MaxRetries
	if m.cfg.MaxRecoveryAttempts > 0 && m.cfg.MaxRecoveryAttempts < maxAttempts {
		maxAttempts = m.cfg.MaxRecoveryAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	lastErr := err
	resolved, remedied, degraded := false, false, false
attempts:
	for n := 1; n <= maxAttempts; n++ {
		for _, a := range strategy.Actions {
			if ctx.Err() != nil {
				m.attempt(rec, strategy.Name, a.Kind, time.Now(), AttemptTimeout, ctx.Err())
				break attempts
			}
			start := time.Now()
			if a.Kind != ActionRetry {
				if aerr := m.handler.Execute(ctx, a, rec); aerr != nil {
					degraded = true
					m.attempt(rec, strategy.Name, a.Kind, start, resultOf(ctx, aerr), aerr)
					log.Warn("Recovery action failed", zap.String("action", string(a.Kind)), zap.Error(aerr))
					continue attempts
				}
				remedied = true
				m.attempt(rec, strategy.Name, a.Kind, start, AttemptSuccess, nil)
				continue
			}

			if retry == nil {
				m.attempt(rec, strategy.Name, a.Kind, start, AttemptSkipped, nil)
				continue
			}
			delay := a.Delay
			if delay == 0 {
				delay = strategy.Delay(n)
			}
			if serr := m.sleep(ctx, delay); serr != nil {
				m.attempt(rec, strategy.Name, a.Kind, start, AttemptTimeout, serr)
				break attempts
			}
			rerr := m.runRetry(ctx, breaker, strategy, ectx, retry)
			if rerr == nil {
				resolved = true
				m.attempt(rec, strategy.Name, a.Kind, start, AttemptSuccess, nil)
				break attempts
			}
			lastErr = rerr
			m.attempt(rec, strategy.Name, a.Kind, start, resultOf(ctx, rerr), rerr)
			if schemas.KindOf(rerr) == schemas.KindCircuitOpen {
				break attempts
			}
			log.Debug("Retry failed", zap.Int("attempt", n), zap.Duration("delay", delay), zap.Error(rerr))
		}
		if !strategy.Retries() {
			break
		}
	}

	switch {
	case resolved && degraded:
		rec.Resolution = ResolutionPartial
	case resolved:
		rec.Resolution = ResolutionRecovered
	case strategy.Manual:
		rec.Resolution = ResolutionNeedsManual
	case retry == nil && remedied && strategy.Retries():
		rec.Resolution = ResolutionWorkedAround
	default:
		rec.Resolution = ResolutionUnrecovered
	}
	m.finish(rec, log)

	switch rec.Resolution {
	case ResolutionRecovered, ResolutionPartial, ResolutionWorkedAround:
		return rec, nil
	}
	return rec, lastErr
}

func (m *Manager) runRetry(ctx context.Context, breaker *Breaker, s Strategy, ectx ErrorContext, retry RetryFunc) error {
	rctx := ctx
	if s.DeadlineFactor > 0 && ectx.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, time.Duration(float64(ectx.Timeout)*s.DeadlineFactor))
		defer cancel()
	}
	if breaker == nil {
		return retry(rctx)
	}
	return breaker.Do(rctx, retry)
}

func resultOf(ctx context.Context, err error) AttemptResult {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return AttemptTimeout
	}
	if schemas.KindOf(err) == schemas.KindCircuitOpen {
		return AttemptSkipped
	}
	return AttemptFailed
}

func (m *Manager) attempt(rec *ErrorRecord, strategy string, kind ActionKind, start time.Time, result AttemptResult, err error) {
	a := RecoveryAttempt{
		Strategy:  strategy,
		Action:    kind,
		StartedAt: start,
		Duration:  time.Since(start),
		Result:    result,
	}
	if err != nil {
		a.Error = err.Error()
	}
	rec.Attempts = append(rec.Attempts, a)
	m.metrics.RecoveryAttempt(string(rec.Category), string(result))
}

func (m *Manager) finish(rec *ErrorRecord, log *zap.Logger) {
	m.mu.Lock()
	if len(m.history) < m.cfg.MaxHistory {
		m.history = append(m.history, *rec)
	} else {
		m.forgetPatternLocked(m.history[m.head].Message)
		m.history[m.head] = *rec
		m.head = (m.head + 1) % m.cfg.MaxHistory
	}
	cs, ok := m.stats[rec.Category]
	if !ok {
		cs = &categoryStats{}
		m.stats[rec.Category] = cs
	}
	cs.total++
	m.total++
	if rec.Resolution == ResolutionRecovered || rec.Resolution == ResolutionPartial {
		cs.recovered++
		m.recovered++
	}
	m.patterns[messagePattern(rec.Message)]++
	m.mu.Unlock()

	if rec.Resolution == ResolutionRecovered {
		log.Info("Error recovered", zap.Int("attempts", len(rec.Attempts)))
	} else {
		log.Warn("Error not recovered", zap.String("resolution", string(rec.Resolution)), zap.Int("attempts", len(rec.Attempts)))
	}
}

// forgetPatternLocked drops an evicted record from the pattern counts, so
// they cover the same records as the history ring.
func (m *Manager) forgetPatternLocked(msg string) {
	p := messagePattern(msg)
	if m.patterns[p] <= 1 {
		delete(m.patterns, p)
		return
	}
	m.patterns[p]--
}

var (
	digitsRE = regexp.MustCompile(`\d+`)
	hexIDRE  = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f-]{27,}`)
)

// messagePattern collapses ids and numbers so similar failures group.
func messagePattern(msg string) string {
	p := hexIDRE.ReplaceAllString(msg, "<id>")
	p = digitsRE.ReplaceAllString(p, "#")
	if len(p) > 96 {
		cut := 96
		for cut > 0 && !utf8.RuneStart(p[cut]) {
			cut--
		}
		p = p[:cut]
	}
	return p
}

// History returns up to limit records, newest first. limit <= 0 returns all.
func (m *Manager) History(limit int) []ErrorRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ErrorRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := n - 1 - i
		if n == m.cfg.MaxHistory {
			// Wrapped: the newest entry sits just before head.
			idx = (m.head - 1 - i + 2*n) % n
		}
		out = append(out, m.history[idx])
	}
	return out
}

// PatternCount is a recurring normalised error message.
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// Stats summarises recovery outcomes.
type Stats struct {
	TotalErrors           int                  `json:"total_errors"`
	Recovered             int                  `json:"recovered"`
	SuccessRate           float64              `json:"success_rate"`
	SuccessRateByCategory map[Category]float64 `json:"success_rate_by_category"`
	CommonPatterns        []PatternCount       `json:"common_patterns"`
	Breakers              []BreakerSnapshot    `json:"breakers"`
}

// Stats returns a snapshot of recovery metrics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := Stats{
		TotalErrors:           m.total,
		Recovered:             m.recovered,
		SuccessRateByCategory: make(map[Category]float64, len(m.stats)),
	}
	if m.total > 0 {
		s.SuccessRate = float64(m.recovered) / float64(m.total)
	}
	for cat, cs := range m.stats {
		s.SuccessRateByCategory[cat] = float64(cs.recovered) / float64(cs.total)
	}
	for p, c := range m.patterns {
		s.CommonPatterns = append(s.CommonPatterns, PatternCount{Pattern: p, Count: c})
	}
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	sort.Slice(s.CommonPatterns, func(i, j int) bool {
		if s.CommonPatterns[i].Count != s.CommonPatterns[j].Count {
			return s.CommonPatterns[i].Count > s.CommonPatterns[j].Count
		}
		return s.CommonPatterns[i].Pattern < s.CommonPatterns[j].Pattern
	})
	if len(s.CommonPatterns) > 10 {
		s.CommonPatterns = s.CommonPatterns[:10]
	}
	for _, b := range breakers {
		s.Breakers = append(s.Breakers, b.Snapshot())
	}
	sort.Slice(s.Breakers, func(i, j int) bool { return s.Breakers[i].Name < s.Breakers[j].Name })
	return s
}
