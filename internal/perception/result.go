package perception

import (
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// canonical is the encoding used for cached results. Map keys are sorted so
// equal results encode to equal bytes.
var canonical = jsoniter.ConfigCompatibleWithStandardLibrary

// ElementType is the coarse role of a scored element.
type ElementType string

const (
	TypeButton     ElementType = "button"
	TypeLink       ElementType = "link"
	TypeInput      ElementType = "input"
	TypeForm       ElementType = "form"
	TypeNavigation ElementType = "navigation"
	TypeContent    ElementType = "content"
	TypeMedia      ElementType = "media"
	TypeOther      ElementType = "other"
)

// ScoredElement is an element found by a probe together with its ranking.
type ScoredElement struct {
	schemas.ElementInfo
	Type  ElementType `json:"type"`
	Score float64     `json:"score"`
	Probe string      `json:"probe"`
}

// Layout records the landmark regions of the page.
type Layout struct {
	HasHeader      bool `json:"has_header"`
	HasNavigation  bool `json:"has_navigation"`
	HasMain        bool `json:"has_main"`
	HasFooter      bool `json:"has_footer"`
	HasSidebar     bool `json:"has_sidebar"`
	ViewportWidth  int  `json:"viewport_width"`
	ViewportHeight int  `json:"viewport_height"`
}

// Landmarks counts the regions present.
func (l Layout) Landmarks() int {
	n := 0
	for _, b := range []bool{l.HasHeader, l.HasNavigation, l.HasMain, l.HasFooter, l.HasSidebar} {
		if b {
			n++
		}
	}
	return n
}

// NavigationPath is a link reachable from the page's navigation regions.
type NavigationPath struct {
	Text     string `json:"text"`
	Href     string `json:"href"`
	Selector string `json:"selector"`
}

// Heading is one h1-h6 element.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Content summarises the readable text of the page.
type Content struct {
	Title     string    `json:"title"`
	Language  string    `json:"language,omitempty"`
	Headings  []Heading `json:"headings"`
	WordCount int       `json:"word_count"`
	Summary   string    `json:"summary"`
}

// FormField is one control inside a form.
type FormField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Selector    string `json:"selector"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required"`
}

// Form is a form and its fields.
type Form struct {
	Selector       string      `json:"selector"`
	Action         string      `json:"action,omitempty"`
	Method         string      `json:"method,omitempty"`
	Fields         []FormField `json:"fields"`
	SubmitSelector string      `json:"submit_selector,omitempty"`
}

// MediaItem is an image, video or audio element.
type MediaItem struct {
	Kind     string `json:"kind"`
	Src      string `json:"src,omitempty"`
	Alt      string `json:"alt,omitempty"`
	Selector string `json:"selector"`
}

// Entity is a typed value recognised in the page text.
type Entity struct {
	Kind       string  `json:"kind"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// GraphEdge links two elements by how the user moves between them.
type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// PageModel is the Deep tier's classification of the page.
type PageModel struct {
	PageType         string  `json:"page_type"`
	Complexity       float64 `json:"complexity"`
	ElementCount     int     `json:"element_count"`
	InteractiveCount int     `json:"interactive_count"`
	FormCount        int     `json:"form_count"`
}

// TemporalPattern is something observed repeatedly across visits to a site.
type TemporalPattern struct {
	Kind        string    `json:"kind"`
	Selector    string    `json:"selector,omitempty"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
}

// Result is the output of a perception pass. Fields are grouped by the tier
// that fills them. When TierActual is T, every field of T and of each lower
// tier is non-nil, and fields of higher tiers are nil.
type Result struct {
	URL            string                `json:"url"`
	Title          string                `json:"title"`
	TierRequested  Tier                  `json:"tier_requested"`
	TierActual     Tier                  `json:"tier_actual"`
	DurationMS     int64                 `json:"duration_ms"`
	Confidence     float64               `json:"confidence"`
	Quality        float64               `json:"quality"`
	BudgetExceeded bool                  `json:"budget_exceeded"`
	CacheUsed      bool                  `json:"cache_used"`
	Status         schemas.OutcomeStatus `json:"status"`
	FallbackReason string                `json:"fallback_reason,omitempty"`
	CapturedAt     time.Time             `json:"captured_at"`

	// Lightning
	KeyElements []ScoredElement `json:"key_elements"`

	// Quick
	InteractionElements []ScoredElement  `json:"interaction_elements"`
	Layout              *Layout          `json:"layout"`
	NavigationPaths     []NavigationPath `json:"navigation_paths"`

	// Standard
	Content *Content    `json:"content"`
	Forms   []Form      `json:"forms"`
	Media   []MediaItem `json:"media"`

	// Deep
	SemanticEntities []Entity          `json:"semantic_entities"`
	InteractionGraph []GraphEdge       `json:"interaction_graph"`
	PageModel        *PageModel        `json:"page_model"`
	TemporalPatterns []TemporalPattern `json:"temporal_patterns"`
}

// HasTierFields reports whether every field owned by tier t is populated.
func (r *Result) HasTierFields(t Tier) bool {
	switch t {
	case Lightning:
		return r.KeyElements != nil
	case Quick:
		return r.InteractionElements != nil && r.Layout != nil && r.NavigationPaths != nil
	case Standard:
		return r.Content != nil && r.Forms != nil && r.Media != nil
	case Deep:
		return r.SemanticEntities != nil && r.InteractionGraph != nil && r.PageModel != nil && r.TemporalPatterns != nil
	}
	return false
}

// Complete reports whether the result carries the fields of TierActual and
// every tier below it, and none above.
func (r *Result) Complete() bool {
	for _, t := range ConcreteTiers {
		if (t <= r.TierActual) != r.HasTierFields(t) {
			return false
		}
	}
	return true
}

// PageComplexity is a 0..1 estimate of how involved the page is. Deep results
// use the page model; shallower ones fall back to element counts.
func (r *Result) PageComplexity() float64 {
	if r == nil {
		return 0
	}
	if r.PageModel != nil {
		return r.PageModel.Complexity
	}
	n := len(r.KeyElements) + len(r.InteractionElements) + 3*len(r.Forms)
	return math.Min(1, float64(n)/60)
}

// Encode returns the canonical encoding.
func (r *Result) Encode() ([]byte, error) {
	return canonical.Marshal(r)
}

// DecodeResult parses a canonical encoding.
func DecodeResult(b []byte) (*Result, error) {
	var r Result
	if err := canonical.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	b, err := r.Encode()
	if err != nil {
		cp := *r
		return &cp
	}
	c, err := DecodeResult(b)
	if err != nil {
		cp := *r
		return &cp
	}
	return c
}
