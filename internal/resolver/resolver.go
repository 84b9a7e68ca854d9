// Package resolver turns natural language element descriptions such as
// "the login button" into selectors for the current page.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

// Source names where a resolution came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceSession  Source = "session"
	SourcePattern  Source = "pattern"
	SourcePageType Source = "page_type"
	SourceSemantic Source = "semantic"
	SourceFuzzy    Source = "fuzzy"
)

const (
	minConfidence = 0.4
	// candidateSelector collects everything a description might refer to.
	candidateSelector = `a, button, input, select, textarea, summary, [role="button"], [onclick], [contenteditable="true"]`
)

// Candidate is one possible match for a description.
type Candidate struct {
	Selector   string  `json:"selector"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	Reason     string  `json:"reason,omitempty"`
}

// Resolution is the winning candidate plus ranked alternatives.
type Resolution struct {
	Candidate
	Description  string      `json:"description"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
}

type cached struct {
	selector   string
	confidence float64
	lastUsed   time.Time
}

// Resolver is scoped to one session. It remembers what the session clicked
// and typed into so pronouns and aliases resolve.
type Resolver struct {
	mu          sync.Mutex
	cache       map[string]cached
	ttl         time.Duration
	maxAlts     int
	aliases     map[string]string
	lastClicked string
	lastTyped   string
	lastFocused string
	pageType    string
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a resolver for a single session.
func New(cfg config.ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.MaxAlternatives < 0 {
		cfg.MaxAlternatives = 0
	}
	return &Resolver{
		cache:   make(map[string]cached),
		aliases: make(map[string]string),
		ttl:     cfg.CacheTTL,
		maxAlts: cfg.MaxAlternatives,
		logger:  logger.Named("resolver"),
		now:     time.Now,
	}
}

// Remember binds a name to a selector for the rest of the session.
func (r *Resolver) Remember(alias, selector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalize(alias)] = selector
}

// NoteClicked records the element the session last clicked.
func (r *Resolver) NoteClicked(selector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastClicked = selector
	r.lastFocused = selector
}

// NoteTyped records the field the session last typed into.
func (r *Resolver) NoteTyped(selector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTyped = selector
	r.lastFocused = selector
}

// SetPageType switches the page-type table. A change invalidates the cache.
func (r *Resolver) SetPageType(pageType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setPageTypeLocked(pageType)
}

func (r *Resolver) setPageTypeLocked(pageType string) {
	if pageType == r.pageType {
		return
	}
	if len(r.cache) > 0 {
		r.logger.Debug("Page type changed, dropping resolution cache",
			zap.String("from", r.pageType), zap.String("to", pageType), zap.Int("entries", len(r.cache)))
	}
	r.pageType = pageType
	r.cache = make(map[string]cached)
}

// Reset forgets the session context and the cache.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cached)
	r.aliases = make(map[string]string)
	r.lastClicked, r.lastTyped, r.lastFocused, r.pageType = "", "", "", ""
}

// Resolve finds the element best described by description on the page shown
// by h. page is an optional perception of the same page; its Deep fields feed
// the semantic fallback and its page type selects the heuristics table.
func (r *Resolver) Resolve(ctx context.Context, h schemas.BrowserHandle, description string, page *perception.Result) (*Resolution, error) {
	desc := normalize(description)
	if desc == "" {
		return nil, schemas.NewError(schemas.KindValidationFailed, "resolver.Resolve", "empty element description", nil)
	}

	r.mu.Lock()
	if page != nil && page.PageModel != nil && page.PageModel.PageType != "" {
		r.setPageTypeLocked(page.PageModel.PageType)
	}
	hit, ok := r.cache[desc]
	pageType := r.pageType
	r.mu.Unlock()

	if ok && r.now().Sub(hit.lastUsed) < r.ttl {
		if r.present(ctx, h, hit.selector) {
			r.mu.Lock()
			if cur, still := r.cache[desc]; still && cur.selector == hit.selector {
				cur.lastUsed = r.now()
				r.cache[desc] = cur
			}
			r.mu.Unlock()
			return &Resolution{Description: description, Candidate: Candidate{Selector: hit.selector, Confidence: hit.confidence, Source: SourceCache}}, nil
		}
		r.mu.Lock()
		delete(r.cache, desc)
		r.mu.Unlock()
	}

	if c, ok := r.fromSession(ctx, h, desc); ok {
		return r.commit(description, desc, []Candidate{c}), nil
	}

	pool, labels := r.pool(ctx, h)
	var cands []Candidate
	cands = append(cands, r.fromPatterns(ctx, h, desc, pool, labels)...)
	cands = append(cands, r.fromPageType(ctx, h, desc, pageType)...)
	if page != nil {
		cands = append(cands, fromSemantic(desc, page)...)
	}
	if best(cands) < minConfidence {
		cands = append(cands, fromFuzzy(desc, pool, labels)...)
	}

	ranked := rank(cands)
	if len(ranked) == 0 || ranked[0].Confidence < minConfidence {
		err := schemas.NewError(schemas.KindNotFound, "resolver.Resolve", fmt.Sprintf("no element matches %q", description), nil)
		err.Suggestions = suggestions(pageType, pool)
		r.logger.Debug("Description did not resolve", zap.String("description", description), zap.Strings("suggestions", err.Suggestions))
		return nil, err
	}
	return r.commit(description, desc, ranked), nil
}

func (r *Resolver) commit(description, key string, ranked []Candidate) *Resolution {
	win := ranked[0]
	alts := ranked[1:]
	if len(alts) > r.maxAlts {
		alts = alts[:r.maxAlts]
	}
	r.mu.Lock()
	r.cache[key] = cached{selector: win.Selector, confidence: win.Confidence, lastUsed: r.now()}
	r.mu.Unlock()
	r.logger.Debug("Resolved description",
		zap.String("description", description),
		zap.String("selector", win.Selector),
		zap.Float64("confidence", win.Confidence),
		zap.String("source", string(win.Source)))
	return &Resolution{Description: description, Candidate: win, Alternatives: alts}
}

func (r *Resolver) present(ctx context.Context, h schemas.BrowserHandle, selector string) bool {
	els, err := h.FindElements(ctx, selector)
	return err == nil && len(els) > 0
}

// fromSession handles pronouns and aliases.
func (r *Resolver) fromSession(ctx context.Context, h schemas.BrowserHandle, desc string) (Candidate, bool) {
	r.mu.Lock()
	var sel, reason string
	if m := pronounRE.FindStringSubmatch(desc); m != nil {
		sel, reason = r.lastFocused, "most recently focused element"
		if strings.HasSuffix(m[1], "field") && r.lastTyped != "" {
			sel, reason = r.lastTyped, "last typed field"
		} else if strings.HasSuffix(m[1], "button") && r.lastClicked != "" {
			sel, reason = r.lastClicked, "last clicked element"
		}
	} else if a, ok := r.aliases[desc]; ok {
		sel, reason = a, "named alias"
	} else if a, ok := r.aliases[strings.TrimPrefix(desc, "the ")]; ok {
		sel, reason = a, "named alias"
	}
	r.mu.Unlock()

	if sel == "" || !r.present(ctx, h, sel) {
		return Candidate{}, false
	}
	return Candidate{Selector: sel, Confidence: 0.95, Source: SourceSession, Reason: reason}, true
}

// pool fetches the interactive candidates and a label map (input id to label
// text) once per resolution.
func (r *Resolver) pool(ctx context.Context, h schemas.BrowserHandle) ([]schemas.ElementInfo, map[string]string) {
	els, err := h.FindElements(ctx, candidateSelector)
	if err != nil {
		r.logger.Debug("Candidate probe failed", zap.Error(err))
	}
	labels := map[string]string{}
	if ls, err := h.FindElements(ctx, "label[for]"); err == nil {
		for _, l := range ls {
			labels[l.Attr("for")] = l.Text
		}
	}
	return els, labels
}

func (r *Resolver) fromPatterns(ctx context.Context, h schemas.BrowserHandle, desc string, pool []schemas.ElementInfo, labels map[string]string) []Candidate {
	var out []Candidate
	for _, p := range registry {
		m := p.re.FindStringSubmatch(desc)
		if m == nil {
			continue
		}
		prio := float64(p.priority) / 10
		reason := "pattern " + p.name
		var text string
		if len(m) > 1 {
			text = m[1]
		}
		switch p.kind {
		case byButtonText, byAnyText, byLinkText:
			for _, el := range pool {
				if !kindMatches(p.kind, el) {
					continue
				}
				if s := bestSimilarity(text, describe(el, labels)); s > 0 {
					out = append(out, Candidate{Selector: el.Selector, Confidence: blend(prio, s, el.Visible, interactable(el)), Source: SourcePattern, Reason: reason})
				}
			}
		case byField:
			for _, el := range pool {
				if !isField(el) {
					continue
				}
				s := bestSimilarity(text, describe(el, labels))
				if t := strings.ToLower(el.Attr("type")); t != "" && strings.Contains(text, t) && s < 0.9 {
					s = 0.9
				}
				if s > 0 {
					out = append(out, Candidate{Selector: el.Selector, Confidence: blend(prio, s, el.Visible, interactable(el)), Source: SourcePattern, Reason: reason})
				}
			}
		case byCommon:
			out = append(out, r.common(ctx, h, p.ui, prio, pool, labels)...)
		}
	}
	return out
}

func kindMatches(k matchKind, el schemas.ElementInfo) bool {
	switch k {
	case byButtonText:
		return isButtonLike(el)
	case byLinkText:
		return el.TagName == "a"
	default:
		return el.Clickable
	}
}

// common looks a well known UI element up by its selector table, taking the
// first selector that finds something visible, then by its usual texts.
func (r *Resolver) common(ctx context.Context, h schemas.BrowserHandle, ui *commonUI, prio float64, pool []schemas.ElementInfo, labels map[string]string) []Candidate {
	var out []Candidate
	for _, w := range ui.selectors {
		els, err := h.FindElements(ctx, w.selector)
		if err != nil || len(els) == 0 {
			continue
		}
		el := els[0]
		if !el.Visible {
			continue
		}
		out = append(out, Candidate{Selector: el.Selector, Confidence: blend(prio, w.weight, true, interactable(el) || !isActionable(ui)), Source: SourcePattern, Reason: ui.name})
		break
	}
	for _, el := range pool {
		if !el.Clickable {
			continue
		}
		s := bestSimilarity(el.Text, ui.texts)
		if s < 0.85 {
			continue
		}
		out = append(out, Candidate{Selector: el.Selector, Confidence: blend(prio, s, el.Visible, true), Source: SourcePattern, Reason: ui.name})
	}
	return out
}

// isActionable is false for landmarks like the navigation menu, which are
// referenced but not clicked.
func isActionable(ui *commonUI) bool { return ui != uiNav }

func (r *Resolver) fromPageType(ctx context.Context, h schemas.BrowserHandle, desc, pageType string) []Candidate {
	table, ok := pageTables[pageType]
	if !ok {
		return nil
	}
	var out []Candidate
	for _, hint := range table {
		if !containsAny(desc, hint.keywords) {
			continue
		}
		for _, w := range hint.selectors {
			els, err := h.FindElements(ctx, w.selector)
			if err != nil || len(els) == 0 {
				continue
			}
			el := els[0]
			out = append(out, Candidate{Selector: el.Selector, Confidence: blend(0.8, w.weight, el.Visible, interactable(el) || !isField(el) && !el.Clickable), Source: SourcePageType, Reason: pageType + " " + hint.label})
			break
		}
	}
	return out
}

// fromSemantic matches against the elements and form fields of a prior
// perception of the page.
func fromSemantic(desc string, page *perception.Result) []Candidate {
	q := queryText(desc)
	if q == "" {
		return nil
	}
	var out []Candidate
	seen := map[string]bool{}
	add := func(el schemas.ElementInfo) {
		if seen[el.Selector] {
			return
		}
		seen[el.Selector] = true
		if s := bestSimilarity(q, describe(el, nil)); s > 0 {
			out = append(out, Candidate{Selector: el.Selector, Confidence: blend(0.6, s, el.Visible, interactable(el)), Source: SourceSemantic, Reason: "perceived element"})
		}
	}
	for _, e := range page.InteractionElements {
		add(e.ElementInfo)
	}
	for _, e := range page.KeyElements {
		add(e.ElementInfo)
	}
	for _, f := range page.Forms {
		for _, fld := range f.Fields {
			if seen[fld.Selector] {
				continue
			}
			seen[fld.Selector] = true
			if s := bestSimilarity(q, []string{fld.Label, fld.Name, fld.Placeholder}); s > 0 {
				out = append(out, Candidate{Selector: fld.Selector, Confidence: blend(0.6, s, true, true), Source: SourceSemantic, Reason: "form field"})
			}
		}
	}
	return out
}

func fromFuzzy(desc string, pool []schemas.ElementInfo, labels map[string]string) []Candidate {
	q := queryText(desc)
	if q == "" {
		return nil
	}
	var out []Candidate
	for _, el := range pool {
		if s := bestSimilarity(q, describe(el, labels)); s > 0 {
			out = append(out, Candidate{Selector: el.Selector, Confidence: blend(0.5, s, el.Visible, interactable(el)), Source: SourceFuzzy, Reason: "text match"})
		}
	}
	return out
}

// rank keeps the best confidence per selector and sorts descending. Ties keep
// source order.
func rank(cands []Candidate) []Candidate {
	idx := map[string]int{}
	var out []Candidate
	for _, c := range cands {
		if c.Selector == "" {
			continue
		}
		if i, ok := idx[c.Selector]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		idx[c.Selector] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func best(cands []Candidate) float64 {
	b := 0.0
	for _, c := range cands {
		if c.Confidence > b {
			b = c.Confidence
		}
	}
	return b
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// suggestions come from the page-type table and the visible buttons.
func suggestions(pageType string, pool []schemas.ElementInfo) []string {
	var out []string
	for _, hint := range pageTables[pageType] {
		out = append(out, hint.label)
	}
	seen := map[string]bool{}
	for _, el := range pool {
		if !el.Visible || !isButtonLike(el) || el.Text == "" || seen[el.Text] {
			continue
		}
		seen[el.Text] = true
		out = append(out, fmt.Sprintf("%q button", el.Text))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, genericSuggestions...)
	}
	return out
}
