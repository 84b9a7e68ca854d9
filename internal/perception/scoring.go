package perception

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// probe is one fixed DOM query issued by a tier.
type probe struct {
	name     string
	selector string
	// kind overrides classification when set.
	kind ElementType
}

// lightningProbes are issued in order; earlier probes weigh more.
var lightningProbes = []probe{
	{name: "submit_buttons", selector: `button[type="submit"], input[type="submit"]`, kind: TypeButton},
	{name: "primary_buttons", selector: `button.primary, button.btn-primary`, kind: TypeButton},
	{name: "link_buttons", selector: `a.button, a.btn`, kind: TypeButton},
	{name: "text_inputs", selector: `input[type="text"], input[type="email"]`, kind: TypeInput},
	{name: "search_inputs", selector: `input[type="search"]`, kind: TypeInput},
	{name: "nav_links", selector: `nav a, header a`, kind: TypeNavigation},
	{name: "other_buttons", selector: `button:not([type="submit"])`, kind: TypeButton},
	{name: "links", selector: `a[href]:not([href="#"])`, kind: TypeLink},
	{name: "forms", selector: `form`, kind: TypeForm},
	{name: "role_buttons", selector: `[role="button"]`, kind: TypeButton},
}

const (
	maxKeyElements         = 10
	maxInteractionElements = 50
	maxNavigationPaths     = 20
	maxMediaItems          = 50
	maxEntities            = 50
)

var interactionLikelihood = map[ElementType]float64{
	TypeButton:     1.0,
	TypeInput:      0.9,
	TypeLink:       0.8,
	TypeForm:       0.7,
	TypeNavigation: 0.6,
}

// classify maps an element to its coarse type from its tag and attributes.
func classify(el schemas.ElementInfo) ElementType {
	switch el.TagName {
	case "button":
		return TypeButton
	case "a":
		if strings.Contains(" "+el.Attr("class")+" ", " btn") || strings.Contains(el.Attr("class"), "button") {
			return TypeButton
		}
		return TypeLink
	case "input":
		switch strings.ToLower(el.Attr("type")) {
		case "submit", "button", "reset", "image":
			return TypeButton
		}
		return TypeInput
	case "textarea", "select":
		return TypeInput
	case "form":
		return TypeForm
	case "nav":
		return TypeNavigation
	case "img", "video", "audio", "picture", "svg":
		return TypeMedia
	case "p", "h1", "h2", "h3", "h4", "h5", "h6", "article", "section":
		return TypeContent
	}
	if el.Attr("role") == "button" {
		return TypeButton
	}
	return TypeOther
}

func likelihood(t ElementType) float64 {
	if v, ok := interactionLikelihood[t]; ok {
		return v
	}
	return 0.4
}

// score is visibility x interaction likelihood x context. Context decays with
// the probe's position and is scaled by the site factor.
func score(el schemas.ElementInfo, t ElementType, probeIdx int, siteFactor float64) float64 {
	vis := 0.2
	if el.Visible {
		vis = 1.0
	}
	ctx := 1.0 - float64(probeIdx)*0.05
	if ctx < 0.1 {
		ctx = 0.1
	}
	if !el.Enabled {
		ctx *= 0.5
	}
	s := vis * likelihood(t) * ctx * siteFactor
	if s > 1 {
		s = 1
	}
	return s
}

func scoreAll(els []schemas.ElementInfo, p probe, probeIdx int) []ScoredElement {
	out := make([]ScoredElement, 0, len(els))
	for _, el := range els {
		t := p.kind
		if t == "" {
			t = classify(el)
		}
		out = append(out, ScoredElement{ElementInfo: el, Type: t, Score: score(el, t, probeIdx, 1), Probe: p.name})
	}
	return out
}

// rank removes duplicate selectors, keeping the best score, and orders the
// rest by descending score. Ties keep discovery order.
func rank(in []ScoredElement, limit int) []ScoredElement {
	best := make(map[string]int, len(in))
	out := make([]ScoredElement, 0, len(in))
	for _, e := range in {
		if i, ok := best[e.Selector]; ok {
			if e.Score > out[i].Score {
				out[i] = e
			}
			continue
		}
		best[e.Selector] = len(out)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func meanScore(els []ScoredElement) float64 {
	if len(els) == 0 {
		return 0
	}
	var sum float64
	for _, e := range els {
		sum += e.Score
	}
	return sum / float64(len(els))
}
