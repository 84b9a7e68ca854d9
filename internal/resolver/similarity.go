package resolver

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

var selectorRE = regexp.MustCompile(`^(?:[#.\[]|//)|[\[\]>=:]|^[a-z][a-z0-9-]*[#.][\w-]+`)

// LooksLikeSelector reports whether target is already a CSS or XPath
// selector rather than a description.
func LooksLikeSelector(target string) bool {
	t := strings.TrimSpace(target)
	if t == "" || strings.Contains(t, " ") && !strings.ContainsAny(t, "#.[>:") {
		return false
	}
	return selectorRE.MatchString(t)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity scores how well two texts match: 1 for equality, 0.85 for
// containment either way, and a graded score for shared words longer than
// two characters.
func similarity(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.85
	}
	wa := significantWords(a)
	if len(wa) == 0 {
		return 0
	}
	wb := map[string]bool{}
	for _, w := range significantWords(b) {
		wb[w] = true
	}
	shared := 0
	for _, w := range wa {
		if wb[w] {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return 0.4 + 0.4*float64(shared)/float64(len(wa))
}

func significantWords(s string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

// describe lists the texts a user might call el by.
func describe(el schemas.ElementInfo, labels map[string]string) []string {
	texts := []string{el.Text}
	for _, k := range []string{"aria-label", "placeholder", "title", "alt", "value", "name"} {
		if v := el.Attr(k); v != "" {
			texts = append(texts, v)
		}
	}
	if id := el.Attr("id"); id != "" {
		texts = append(texts, strings.NewReplacer("-", " ", "_", " ").Replace(id))
		if l, ok := labels[id]; ok {
			texts = append(texts, l)
		}
	}
	return texts
}

func bestSimilarity(query string, texts []string) float64 {
	best := 0.0
	for _, t := range texts {
		if s := similarity(query, t); s > best {
			best = s
		}
	}
	return best
}

func isButtonLike(el schemas.ElementInfo) bool {
	switch el.TagName {
	case "button":
		return true
	case "input":
		switch strings.ToLower(el.Attr("type")) {
		case "submit", "button", "reset", "image":
			return true
		}
	case "a":
		class := el.Attr("class")
		return strings.Contains(class, "btn") || strings.Contains(class, "button")
	}
	return el.Attr("role") == "button"
}

func isField(el schemas.ElementInfo) bool {
	switch el.TagName {
	case "textarea", "select":
		return true
	case "input":
		switch strings.ToLower(el.Attr("type")) {
		case "hidden", "submit", "button", "reset", "image", "checkbox", "radio":
			return false
		}
		return true
	}
	return el.Attr("contenteditable") == "true"
}

func interactable(el schemas.ElementInfo) bool {
	return el.Clickable || el.Enabled && isField(el)
}

// blend combines the signals into a confidence in [0,1].
func blend(priority, sim float64, visible, usable bool) float64 {
	c := 0.3*priority + 0.4*sim
	if visible {
		c += 0.15
	}
	if usable {
		c += 0.15
	}
	if c > 1 {
		c = 1
	}
	return float64(int(c*1000+0.5)) / 1000
}
