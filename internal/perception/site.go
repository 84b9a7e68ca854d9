package perception

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// SiteContext is what has been learned about one domain: selectors that
// worked, selectors that failed, and which elements keep showing up.
type SiteContext struct {
	Domain    string         `json:"domain"`
	Successes map[string]int `json:"successes"`
	Failures  map[string]int `json:"failures"`
	Seen      map[string]int `json:"seen"`
	Visits    int            `json:"visits"`
	LastVisit time.Time      `json:"last_visit"`
}

// Factor scales an element's score on this site. Known good selectors are
// boosted, each recorded failure demotes.
func (s *SiteContext) Factor(selector string) float64 {
	if s == nil {
		return 1
	}
	f := 1.0
	if n := s.Successes[selector]; n > 0 {
		f += 0.1 * float64(min(n, 5))
	}
	if n := s.Failures[selector]; n > 0 {
		f /= 1 + 0.5*float64(n)
	}
	return f
}

// SiteRegistry holds a SiteContext per domain.
type SiteRegistry struct {
	mu    sync.RWMutex
	sites map[string]*SiteContext
	now   func() time.Time
}

func NewSiteRegistry() *SiteRegistry {
	return &SiteRegistry{sites: make(map[string]*SiteContext), now: time.Now}
}

// DomainOf extracts the host of rawURL, or returns rawURL when it has none.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

func (r *SiteRegistry) siteLocked(domain string) *SiteContext {
	s, ok := r.sites[domain]
	if !ok {
		s = &SiteContext{
			Domain:    domain,
			Successes: make(map[string]int),
			Failures:  make(map[string]int),
			Seen:      make(map[string]int),
		}
		r.sites[domain] = s
	}
	return s
}

// RecordSuccess notes that an action on selector worked on the page at rawURL.
func (r *SiteRegistry) RecordSuccess(rawURL, selector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.siteLocked(DomainOf(rawURL)).Successes[selector]++
}

// RecordFailure notes that an action on selector failed.
func (r *SiteRegistry) RecordFailure(rawURL, selector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.siteLocked(DomainOf(rawURL)).Failures[selector]++
}

// observe records a Deep visit and the selectors present on it.
func (r *SiteRegistry) observe(rawURL string, selectors []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.siteLocked(DomainOf(rawURL))
	s.Visits++
	s.LastVisit = r.now()
	for _, sel := range selectors {
		s.Seen[sel]++
	}
}

// Snapshot returns a copy of the context for the URL's domain, or nil.
func (r *SiteRegistry) Snapshot(rawURL string) *SiteContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[DomainOf(rawURL)]
	if !ok {
		return nil
	}
	cp := &SiteContext{
		Domain:    s.Domain,
		Successes: make(map[string]int, len(s.Successes)),
		Failures:  make(map[string]int, len(s.Failures)),
		Seen:      make(map[string]int, len(s.Seen)),
		Visits:    s.Visits,
		LastVisit: s.LastVisit,
	}
	for k, v := range s.Successes {
		cp.Successes[k] = v
	}
	for k, v := range s.Failures {
		cp.Failures[k] = v
	}
	for k, v := range s.Seen {
		cp.Seen[k] = v
	}
	return cp
}

// temporalPatterns derives the recurring observations for a site: selectors
// that keep succeeding and elements that are present on most visits.
func (s *SiteContext) temporalPatterns() []TemporalPattern {
	out := []TemporalPattern{}
	if s == nil {
		return out
	}
	for sel, n := range s.Successes {
		if n >= 2 {
			out = append(out, TemporalPattern{Kind: "recurring_success", Selector: sel, Occurrences: n, LastSeen: s.LastVisit})
		}
	}
	for sel, n := range s.Failures {
		if n >= 2 {
			out = append(out, TemporalPattern{Kind: "recurring_failure", Selector: sel, Occurrences: n, LastSeen: s.LastVisit})
		}
	}
	if s.Visits >= 2 {
		for sel, n := range s.Seen {
			if float64(n)/float64(s.Visits) >= 0.8 {
				out = append(out, TemporalPattern{Kind: "stable_element", Selector: sel, Occurrences: n, LastSeen: s.LastVisit})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Selector < out[j].Selector
	})
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}
