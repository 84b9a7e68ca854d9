package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// pass carries the state of one perception run across its stages.
type pass struct {
	h      schemas.BrowserHandle
	target Target
	res    *Result
	doc    *goquery.Document
	sites  *SiteRegistry
	logger *zap.Logger
}

// stage fills the fields owned by one tier. Stages run in tier order and may
// rely on the fields written by earlier ones.
type stage func(ctx context.Context, p *pass) error

var stages = [...]stage{
	Lightning: lightningStage,
	Quick:     quickStage,
	Standard:  standardStage,
	Deep:      deepStage,
}

// find runs one DOM probe, mapping failures onto the error taxonomy.
func (p *pass) find(ctx context.Context, selector string) ([]schemas.ElementInfo, error) {
	els, err := p.h.FindElements(ctx, selector)
	if err != nil {
		return nil, probeError("FindElements", err)
	}
	return els, nil
}

// document fetches and parses the page markup once per pass.
func (p *pass) document(ctx context.Context) (*goquery.Document, error) {
	if p.doc != nil {
		return p.doc, nil
	}
	raw, err := p.h.ExecuteScript(ctx, schemas.ScriptOuterHTML)
	if err != nil {
		return nil, probeError("outerHTML", err)
	}
	var html string
	if err := json.Unmarshal(raw, &html); err != nil {
		return nil, schemas.NewError(schemas.KindProbeExecution, "perception.document", "page markup is not a string", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, schemas.NewError(schemas.KindProbeExecution, "perception.document", "page markup could not be parsed", err)
	}
	p.doc = doc
	return doc, nil
}

func probeError(op string, err error) error {
	switch schemas.KindOf(err) {
	case schemas.KindTimeout, schemas.KindNotFound, schemas.KindProbeExecution:
		return err
	}
	return schemas.NewError(schemas.KindProbeExecution, "perception."+op, "page could not be scripted", err)
}

// -- Lightning --

func lightningStage(ctx context.Context, p *pass) error {
	if p.res.Title == "" {
		if title, err := p.h.Title(ctx); err == nil {
			p.res.Title = title
		} else if schemas.KindOf(err) == schemas.KindTimeout {
			return err
		}
	}
	var all []ScoredElement
	for i, pr := range lightningProbes {
		els, err := p.find(ctx, pr.selector)
		if err != nil {
			return err
		}
		all = append(all, scoreAll(els, pr, i)...)
	}
	p.res.KeyElements = rank(all, maxKeyElements)
	return nil
}

// -- Quick --

const interactiveSelector = `a[href], button, input:not([type="hidden"]), select, textarea, [role="button"], [onclick]`

const landmarkSelector = `header, nav, main, footer, aside, [role="banner"], [role="navigation"], [role="main"], [role="contentinfo"], [role="complementary"]`

const viewportScript = `({width: window.innerWidth, height: window.innerHeight})`

func quickStage(ctx context.Context, p *pass) error {
	els, err := p.find(ctx, interactiveSelector)
	if err != nil {
		return err
	}
	p.res.InteractionElements = rank(scoreAll(els, probe{name: "interactive"}, 0), maxInteractionElements)

	landmarks, err := p.find(ctx, landmarkSelector)
	if err != nil {
		return err
	}
	layout := &Layout{}
	for _, el := range landmarks {
		switch {
		case el.TagName == "header" || el.Attr("role") == "banner":
			layout.HasHeader = true
		case el.TagName == "nav" || el.Attr("role") == "navigation":
			layout.HasNavigation = true
		case el.TagName == "main" || el.Attr("role") == "main":
			layout.HasMain = true
		case el.TagName == "footer" || el.Attr("role") == "contentinfo":
			layout.HasFooter = true
		case el.TagName == "aside" || el.Attr("role") == "complementary":
			layout.HasSidebar = true
		}
	}
	if raw, err := p.h.ExecuteScript(ctx, viewportScript); err == nil {
		var vp struct{ Width, Height int }
		if json.Unmarshal(raw, &vp) == nil {
			layout.ViewportWidth, layout.ViewportHeight = vp.Width, vp.Height
		}
	} else if schemas.KindOf(err) == schemas.KindTimeout {
		return err
	}
	p.res.Layout = layout

	links, err := p.find(ctx, `nav a[href], header a[href]`)
	if err != nil {
		return err
	}
	paths := []NavigationPath{}
	seen := make(map[string]bool)
	for _, l := range links {
		href := l.Attr("href")
		if href == "" || href == "#" || seen[href] {
			continue
		}
		seen[href] = true
		paths = append(paths, NavigationPath{Text: l.Text, Href: href, Selector: l.Selector})
		if len(paths) == maxNavigationPaths {
			break
		}
	}
	p.res.NavigationPaths = paths
	return nil
}

// -- Standard --

func standardStage(ctx context.Context, p *pass) error {
	doc, err := p.document(ctx)
	if err != nil {
		return err
	}

	content := &Content{
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Language: doc.Find("html").AttrOr("lang", ""),
		Headings: []Heading{},
	}
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if text == "" {
			return
		}
		level := int(goquery.NodeName(s)[1] - '0')
		content.Headings = append(content.Headings, Heading{Level: level, Text: text})
	})
	body := doc.Find("main").First()
	if body.Length() == 0 {
		body = doc.Find("body").First()
	}
	text := collapse(textWithoutScripts(body))
	content.WordCount = len(strings.Fields(text))
	content.Summary = truncate(text, 200)
	p.res.Content = content
	if p.res.Title == "" {
		p.res.Title = content.Title
	}

	forms := []Form{}
	doc.Find("form").Each(func(_ int, f *goquery.Selection) {
		forms = append(forms, describeForm(doc, f))
	})
	p.res.Forms = forms

	media := []MediaItem{}
	doc.Find("img, video, audio").EachWithBreak(func(_ int, m *goquery.Selection) bool {
		src := m.AttrOr("src", "")
		if src == "" {
			src = m.Find("source").First().AttrOr("src", "")
		}
		media = append(media, MediaItem{
			Kind:     goquery.NodeName(m),
			Src:      src,
			Alt:      m.AttrOr("alt", ""),
			Selector: cssPath(m),
		})
		return len(media) < maxMediaItems
	})
	p.res.Media = media
	return nil
}

func describeForm(doc *goquery.Document, f *goquery.Selection) Form {
	form := Form{
		Selector: cssPath(f),
		Action:   f.AttrOr("action", ""),
		Method:   strings.ToLower(f.AttrOr("method", "")),
		Fields:   []FormField{},
	}
	f.Find("input, select, textarea").Each(func(_ int, in *goquery.Selection) {
		typ := strings.ToLower(in.AttrOr("type", goquery.NodeName(in)))
		if goquery.NodeName(in) == "input" && in.AttrOr("type", "") == "" {
			typ = "text"
		}
		switch typ {
		case "hidden":
			return
		case "submit", "image":
			if form.SubmitSelector == "" {
				form.SubmitSelector = cssPath(in)
			}
			return
		case "button", "reset":
			return
		}
		_, required := in.Attr("required")
		form.Fields = append(form.Fields, FormField{
			Name:        in.AttrOr("name", in.AttrOr("id", "")),
			Type:        typ,
			Selector:    cssPath(in),
			Label:       labelFor(doc, in),
			Placeholder: in.AttrOr("placeholder", ""),
			Required:    required,
		})
	})
	if form.SubmitSelector == "" {
		f.Find("button").EachWithBreak(func(_ int, b *goquery.Selection) bool {
			t := strings.ToLower(b.AttrOr("type", "submit"))
			if t == "submit" {
				form.SubmitSelector = cssPath(b)
				return false
			}
			return true
		})
	}
	return form
}

func labelFor(doc *goquery.Document, in *goquery.Selection) string {
	if id := in.AttrOr("id", ""); id != "" {
		if l := doc.Find(fmt.Sprintf(`label[for=%q]`, id)).First(); l.Length() > 0 {
			return collapse(l.Text())
		}
	}
	if l := in.Closest("label"); l.Length() > 0 {
		return collapse(l.Text())
	}
	return in.AttrOr("aria-label", "")
}

// -- Deep --

var entityPatterns = []struct {
	kind       string
	re         *regexp.Regexp
	confidence float64
}{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), 0.95},
	{"phone", regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`), 0.7},
	{"price", regexp.MustCompile(`[$€£¥]\s?\d[\d,]*(?:\.\d{2})?`), 0.85},
	{"url", regexp.MustCompile(`https?://[^\s"'<>]+`), 0.9},
}

func deepStage(ctx context.Context, p *pass) error {
	doc, err := p.document(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return schemas.NewError(schemas.KindTimeout, "perception.deep", "deadline reached before analysis", err)
	}

	text := collapse(textWithoutScripts(doc.Find("body")))
	entities := []Entity{}
	seen := make(map[string]bool)
	for _, ep := range entityPatterns {
		for _, m := range ep.re.FindAllString(text, -1) {
			key := ep.kind + "|" + m
			if seen[key] || len(entities) >= maxEntities {
				continue
			}
			seen[key] = true
			entities = append(entities, Entity{Kind: ep.kind, Value: strings.TrimSpace(m), Confidence: ep.confidence})
		}
	}
	for _, h := range p.res.Content.Headings {
		if h.Level <= 2 && len(entities) < maxEntities {
			entities = append(entities, Entity{Kind: "topic", Value: h.Text, Confidence: 0.6})
		}
	}
	p.res.SemanticEntities = entities

	graph := []GraphEdge{}
	for _, f := range p.res.Forms {
		for _, fld := range f.Fields {
			graph = append(graph, GraphEdge{From: fld.Selector, To: f.Selector, Relation: "belongs_to"})
		}
		if f.SubmitSelector != "" {
			graph = append(graph, GraphEdge{From: f.Selector, To: f.SubmitSelector, Relation: "submits"})
		}
	}
	doc.Find("nav").Each(func(_ int, nav *goquery.Selection) {
		from := cssPath(nav)
		nav.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			graph = append(graph, GraphEdge{From: from, To: cssPath(a), Relation: "navigates"})
		})
	})
	p.res.InteractionGraph = graph

	elementCount := doc.Find("body *").Length()
	interactive := doc.Find(interactiveSelector).Length()
	model := &PageModel{
		PageType:         classifyPage(doc, p.res),
		ElementCount:     elementCount,
		InteractiveCount: interactive,
		FormCount:        len(p.res.Forms),
	}
	model.Complexity = math.Min(1,
		0.5*math.Min(1, float64(elementCount)/500)+
			0.3*math.Min(1, float64(interactive)/100)+
			0.2*math.Min(1, float64(len(p.res.Forms))/5))
	p.res.PageModel = model

	// Site context: re-rank with what worked before on this domain, then record
	// this visit.
	var site *SiteContext
	if p.sites != nil {
		site = p.sites.Snapshot(p.target.URL)
	}
	if site != nil {
		p.res.KeyElements = rerank(p.res.KeyElements, site, maxKeyElements)
		p.res.InteractionElements = rerank(p.res.InteractionElements, site, maxInteractionElements)
		p.logger.Debug("Applied site context", zap.String("domain", site.Domain), zap.Int("visits", site.Visits))
	}
	if p.sites != nil {
		sels := make([]string, 0, len(p.res.InteractionElements))
		for _, e := range p.res.InteractionElements {
			sels = append(sels, e.Selector)
		}
		p.sites.observe(p.target.URL, sels)
		site = p.sites.Snapshot(p.target.URL)
	}
	p.res.TemporalPatterns = site.temporalPatterns()
	return nil
}

func rerank(els []ScoredElement, site *SiteContext, limit int) []ScoredElement {
	out := make([]ScoredElement, len(els))
	for i, e := range els {
		e.Score = math.Min(1, e.Score*site.Factor(e.Selector))
		out[i] = e
	}
	return rank(out, limit)
}

func classifyPage(doc *goquery.Document, res *Result) string {
	lower := strings.ToLower(res.URL + " " + res.Title)
	switch {
	case doc.Find(`input[type="password"]`).Length() > 0:
		if doc.Find(`input[type="password"]`).Length() > 1 || strings.Contains(lower, "sign up") || strings.Contains(lower, "register") {
			return "signup"
		}
		return "login"
	case strings.Contains(lower, "checkout") || doc.Find(`input[autocomplete^="cc-"], input[name*="card"]`).Length() > 0:
		return "checkout"
	case doc.Find(`input[type="search"], input[name="q"], [role="search"]`).Length() > 0 && len(res.Forms) <= 1 && res.Content.WordCount < 300:
		return "search"
	case doc.Find("article").Length() > 0 || res.Content.WordCount > 300:
		return "article"
	case len(res.Forms) > 0:
		return "form"
	case len(res.NavigationPaths) > 10:
		return "listing"
	}
	return "generic"
}

// -- DOM helpers --

// cssPath builds a selector for s: its id when present, otherwise an
// nth-of-type chain anchored at the nearest ancestor with an id.
func cssPath(s *goquery.Selection) string {
	var parts []string
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if tag == "html" || tag == "#document" || tag == "" {
			break
		}
		if id := cur.AttrOr("id", ""); id != "" {
			parts = append([]string{"#" + id}, parts...)
			break
		}
		idx := cur.PrevAllFiltered(tag).Length() + 1
		parts = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", tag, idx)}, parts...)
	}
	return strings.Join(parts, " > ")
}

func textWithoutScripts(s *goquery.Selection) string {
	c := s.Clone()
	c.Find("script, style, noscript, template").Remove()
	return c.Text()
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

// truncate shortens s to at most n bytes, preferring the last space and
// never splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut]
}
