// internal/mocks/synthetic_browser.go
package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// fakePNG is returned by Screenshot. It carries a valid PNG signature only.
var fakePNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// SyntheticBrowser is an in-memory BrowserHandle backed by static HTML pages.
// Pages are parsed with goquery so selectors behave like they do in a real
// document. Typed values and selections are written back into the DOM.
type SyntheticBrowser struct {
	mu       sync.Mutex
	pages    map[string]string
	current  string
	doc      *goquery.Document
	latency  time.Duration
	scripts  map[string]json.RawMessage
	failures map[string][]error
	calls    []string
	closed   bool
}

var _ schemas.BrowserHandle = (*SyntheticBrowser)(nil)

// NewSyntheticBrowser returns a browser that knows the given url -> html pages.
// It starts on about:blank.
func NewSyntheticBrowser(pages map[string]string) *SyntheticBrowser {
	b := &SyntheticBrowser{
		pages:    make(map[string]string, len(pages)),
		scripts:  make(map[string]json.RawMessage),
		failures: make(map[string][]error),
		current:  "about:blank",
	}
	for u, h := range pages {
		b.pages[u] = h
	}
	b.doc = mustParse("<html><head><title></title></head><body></body></html>")
	return b
}

func mustParse(html string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// The html parser accepts any input; this only fires on reader errors.
		panic(err)
	}
	return doc
}

// AddPage registers or replaces a page.
func (b *SyntheticBrowser) AddPage(u, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[u] = html
}

// Load parses html as the current document under u without navigation.
func (b *SyntheticBrowser) Load(u, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[u] = html
	b.current = u
	b.doc = mustParse(html)
}

// SetLatency delays every operation by d, honouring context cancellation.
func (b *SyntheticBrowser) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// OnScript makes ExecuteScript return raw for the exact source src.
func (b *SyntheticBrowser) OnScript(src string, raw json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[src] = raw
}

// FailNext queues errs to be returned by the next calls to op ("Navigate",
// "Click", "Type", ...), one per call.
func (b *SyntheticBrowser) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], errs...)
}

// Calls returns a log of operations in the form "Op selector".
func (b *SyntheticBrowser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Value returns the current value attribute of the first match.
func (b *SyntheticBrowser) Value(selector string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, _ := b.doc.Find(selector).First().Attr("value")
	return v
}

// Closed reports whether Close was called.
func (b *SyntheticBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// begin records the call, applies latency and pops any injected failure.
func (b *SyntheticBrowser) begin(ctx context.Context, op, arg string) error {
	b.mu.Lock()
	b.calls = append(b.calls, strings.TrimSpace(op+" "+arg))
	d := b.latency
	closed := b.closed
	var injected error
	if q := b.failures[op]; len(q) > 0 {
		injected = q[0]
		b.failures[op] = q[1:]
	}
	b.mu.Unlock()

	if closed {
		return fmt.Errorf("%s: browser handle is closed", op)
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return schemas.NewError(schemas.KindTimeout, "browser."+op, "operation cancelled", ctx.Err())
		}
	} else if err := ctx.Err(); err != nil {
		return schemas.NewError(schemas.KindTimeout, "browser."+op, "operation cancelled", err)
	}
	return injected
}

func (b *SyntheticBrowser) Navigate(ctx context.Context, u string) error {
	if err := b.begin(ctx, "Navigate", u); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.navigateLocked(u)
}

func (b *SyntheticBrowser) navigateLocked(u string) error {
	html, ok := b.pages[u]
	if !ok {
		return fmt.Errorf("navigation to %s failed: net::ERR_CONNECTION_REFUSED", u)
	}
	b.current = u
	b.doc = mustParse(html)
	return nil
}

// resolve turns a possibly relative href into a registered page URL.
func (b *SyntheticBrowser) resolve(href string) (string, bool) {
	if _, ok := b.pages[href]; ok {
		return href, true
	}
	base, err := url.Parse(b.current)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref).String()
	_, ok := b.pages[abs]
	return abs, ok
}

func (b *SyntheticBrowser) Click(ctx context.Context, selector string, _ schemas.ClickOptions) error {
	if err := b.begin(ctx, "Click", selector); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sel := b.doc.Find(selector).First()
	if sel.Length() == 0 {
		return notFound("browser.Click", selector)
	}
	if goquery.NodeName(sel) == "a" {
		if href, ok := sel.Attr("href"); ok {
			if target, known := b.resolve(href); known {
				return b.navigateLocked(target)
			}
		}
		return nil
	}
	if isSubmit(sel) {
		form := sel.Closest("form")
		if action, ok := form.Attr("action"); ok {
			if target, known := b.resolve(action); known {
				return b.navigateLocked(target)
			}
		}
	}
	return nil
}

func (b *SyntheticBrowser) Type(ctx context.Context, selector, text string, clearFirst bool) error {
	if err := b.begin(ctx, "Type", selector); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sel := b.doc.Find(selector).First()
	if sel.Length() == 0 {
		return notFound("browser.Type", selector)
	}
	if _, disabled := sel.Attr("disabled"); disabled {
		return schemas.NewError(schemas.KindValidationFailed, "browser.Type", fmt.Sprintf("%q is disabled", selector), nil)
	}
	cur, _ := sel.Attr("value")
	if clearFirst {
		cur = ""
	}
	sel.SetAttr("value", cur+text)
	return nil
}

func (b *SyntheticBrowser) Select(ctx context.Context, selector, value string) error {
	if err := b.begin(ctx, "Select", selector); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sel := b.doc.Find(selector).First()
	if sel.Length() == 0 {
		return notFound("browser.Select", selector)
	}
	opts := sel.Find("option")
	matched := false
	opts.Each(func(_ int, o *goquery.Selection) {
		v, ok := o.Attr("value")
		if !ok {
			v = strings.TrimSpace(o.Text())
		}
		if v == value {
			o.SetAttr("selected", "selected")
			matched = true
		} else {
			o.RemoveAttr("selected")
		}
	})
	if opts.Length() > 0 && !matched {
		return schemas.NewError(schemas.KindValidationFailed, "browser.Select",
			fmt.Sprintf("%q has no option %q", selector, value), nil)
	}
	sel.SetAttr("value", value)
	return nil
}

func (b *SyntheticBrowser) ExecuteScript(ctx context.Context, src string) (json.RawMessage, error) {
	if err := b.begin(ctx, "ExecuteScript", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if raw, ok := b.scripts[src]; ok {
		return raw, nil
	}
	switch strings.TrimSpace(src) {
	case schemas.ScriptOuterHTML:
		html, err := b.doc.Html()
		if err != nil {
			return nil, err
		}
		return json.Marshal(html)
	case "document.title":
		return json.Marshal(strings.TrimSpace(b.doc.Find("title").First().Text()))
	case "location.href", "window.location.href":
		return json.Marshal(b.current)
	}
	return json.RawMessage("null"), nil
}

func (b *SyntheticBrowser) Screenshot(ctx context.Context, _ schemas.ScreenshotOptions) ([]byte, error) {
	if err := b.begin(ctx, "Screenshot", ""); err != nil {
		return nil, err
	}
	return append([]byte(nil), fakePNG...), nil
}

// WaitForSelector polls the document until the selector matches in the
// requested state. Another goroutine may Load a page meanwhile.
func (b *SyntheticBrowser) WaitForSelector(ctx context.Context, selector string, strategy schemas.WaitStrategy, timeout time.Duration) error {
	if err := b.begin(ctx, "WaitForSelector", selector); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if b.satisfies(selector, strategy) {
			return nil
		}
		select {
		case <-ctx.Done():
			return schemas.NewError(schemas.KindTimeout, "browser.WaitForSelector", "cancelled", ctx.Err())
		case <-deadline.C:
			return schemas.NewError(schemas.KindTimeout, "browser.WaitForSelector",
				fmt.Sprintf("%q not %s after %v", selector, strategy, timeout), context.DeadlineExceeded)
		case <-tick.C:
		}
	}
}

func (b *SyntheticBrowser) satisfies(selector string, strategy schemas.WaitStrategy) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sel := b.doc.Find(selector).First()
	if sel.Length() == 0 {
		return false
	}
	switch strategy {
	case schemas.WaitVisible:
		return isVisible(sel)
	case schemas.WaitEnabled:
		_, disabled := sel.Attr("disabled")
		return !disabled
	default:
		return true
	}
}

func (b *SyntheticBrowser) FindElements(ctx context.Context, selector string) ([]schemas.ElementInfo, error) {
	if err := b.begin(ctx, "FindElements", selector); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return DescribeSelection(b.doc.Find(selector)), nil
}

func (b *SyntheticBrowser) CurrentURL(ctx context.Context) (string, error) {
	if err := b.begin(ctx, "CurrentURL", ""); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, nil
}

func (b *SyntheticBrowser) Title(ctx context.Context) (string, error) {
	if err := b.begin(ctx, "Title", ""); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.doc.Find("title").First().Text()), nil
}

func (b *SyntheticBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// DescribeSelection converts every node in s to an ElementInfo the way a live
// browser probe would.
func DescribeSelection(s *goquery.Selection) []schemas.ElementInfo {
	out := make([]schemas.ElementInfo, 0, s.Length())
	s.Each(func(_ int, el *goquery.Selection) {
		out = append(out, describe(el))
	})
	return out
}

func describe(el *goquery.Selection) schemas.ElementInfo {
	attrs := make(map[string]string)
	if n := el.Get(0); n != nil {
		for _, a := range n.Attr {
			attrs[a.Key] = a.Val
		}
	}
	tag := goquery.NodeName(el)
	text := strings.Join(strings.Fields(el.Text()), " ")
	if text == "" {
		text = attrs["value"]
	}
	if len(text) > 200 {
		text = text[:200]
	}
	_, disabled := attrs["disabled"]
	return schemas.ElementInfo{
		Selector:   UniqueSelector(el),
		TagName:    tag,
		Text:       text,
		Attributes: attrs,
		Visible:    isVisible(el),
		Enabled:    !disabled,
		Clickable:  isClickable(el),
	}
}

// UniqueSelector builds a selector for el: its id when present, otherwise an
// nth-of-type path anchored at the nearest ancestor with an id.
func UniqueSelector(el *goquery.Selection) string {
	var parts []string
	for cur := el; cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if tag == "html" || tag == "#document" || tag == "" {
			break
		}
		if id, ok := cur.Attr("id"); ok && id != "" {
			parts = append([]string{"#" + id}, parts...)
			break
		}
		idx := cur.PrevAllFiltered(tag).Length() + 1
		parts = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", tag, idx)}, parts...)
	}
	return strings.Join(parts, " > ")
}

var invisibleTags = map[string]bool{
	"head": true, "title": true, "meta": true, "script": true, "style": true, "link": true, "template": true, "noscript": true,
}

func isVisible(el *goquery.Selection) bool {
	if invisibleTags[goquery.NodeName(el)] {
		return false
	}
	if t, _ := el.Attr("type"); t == "hidden" {
		return false
	}
	for cur := el; cur.Length() > 0; cur = cur.Parent() {
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(cur.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func isSubmit(el *goquery.Selection) bool {
	tag := goquery.NodeName(el)
	t := strings.ToLower(el.AttrOr("type", ""))
	return (tag == "button" && (t == "" || t == "submit")) || (tag == "input" && t == "submit")
}

func isClickable(el *goquery.Selection) bool {
	switch goquery.NodeName(el) {
	case "a", "button", "select", "summary":
		return true
	case "input":
		switch strings.ToLower(el.AttrOr("type", "text")) {
		case "submit", "button", "checkbox", "radio", "image", "reset":
			return true
		}
	}
	if el.AttrOr("role", "") == "button" {
		return true
	}
	_, onclick := el.Attr("onclick")
	return onclick
}

func notFound(op, selector string) error {
	e := schemas.NewError(schemas.KindNotFound, op, fmt.Sprintf("no element matches %q", selector), nil)
	e.Suggestions = []string{"check the selector against the current page"}
	return e
}
