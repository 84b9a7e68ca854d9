package schemas

import (
	"context"
	"encoding/json"
	"time"
)

// -- Browser Capability --

// BrowserHandle is the narrow surface the core uses to drive a single browser
// tab. Implementations are leased from the pool and are never shared between
// two callers at the same time.
type BrowserHandle interface {
	// Navigate loads the URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// Click dispatches a click on the first element matching the selector.
	Click(ctx context.Context, selector string, opts ClickOptions) error
	// Type writes text into the element, optionally clearing it first.
	Type(ctx context.Context, selector, text string, clearFirst bool) error
	// Select chooses an option by value in a <select> element.
	Select(ctx context.Context, selector, value string) error
	// ExecuteScript evaluates src in the page and returns its JSON encoded value.
	ExecuteScript(ctx context.Context, src string) (json.RawMessage, error)
	// Screenshot captures the viewport (or the full page) as image bytes.
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	// WaitForSelector blocks until the selector satisfies the wait strategy.
	WaitForSelector(ctx context.Context, selector string, strategy WaitStrategy, timeout time.Duration) error
	// FindElements returns a description of every element matching the selector.
	FindElements(ctx context.Context, selector string) ([]ElementInfo, error)
	// CurrentURL returns the URL of the active document.
	CurrentURL(ctx context.Context) (string, error)
	// Title returns the title of the active document.
	Title(ctx context.Context) (string, error)
	// Close releases the underlying tab.
	Close() error
}

// MouseButton names the button used for a click.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonMiddle MouseButton = "middle"
	ButtonRight  MouseButton = "right"
)

// KeyModifier is a bitmask of keyboard modifiers held during an action.
type KeyModifier int

const (
	ModNone  KeyModifier = 0
	ModAlt   KeyModifier = 1
	ModCtrl  KeyModifier = 2
	ModMeta  KeyModifier = 4
	ModShift KeyModifier = 8
)

// ClickOptions tunes a click.
type ClickOptions struct {
	Button    MouseButton `json:"button,omitempty" yaml:"button,omitempty"`
	Modifiers KeyModifier `json:"modifiers,omitempty" yaml:"modifiers,omitempty"`
}

// WaitStrategy is the readiness condition for WaitForSelector.
type WaitStrategy string

const (
	WaitVisible  WaitStrategy = "visible"
	WaitEnabled  WaitStrategy = "enabled"
	WaitReady    WaitStrategy = "ready"
	WaitComplete WaitStrategy = "complete"
)

// ScreenshotOptions controls screenshot capture.
type ScreenshotOptions struct {
	FullPage bool   `json:"full_page" yaml:"full_page"`
	Format   string `json:"format,omitempty" yaml:"format,omitempty"` // "png" or "jpeg"
	Quality  int    `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// BoundingBox is the element's rectangle in CSS pixels relative to the viewport.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementInfo is a snapshot of a DOM element as seen by a probe.
type ElementInfo struct {
	Selector    string            `json:"selector"`
	TagName     string            `json:"tag_name"`
	Text        string            `json:"text,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Visible     bool              `json:"visible"`
	Enabled     bool              `json:"enabled"`
	Clickable   bool              `json:"clickable"`
	BoundingBox *BoundingBox      `json:"bounding_box,omitempty"`
}

// Attr returns the named attribute or an empty string.
func (e ElementInfo) Attr(name string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[name]
}

// ScriptOuterHTML returns the serialised document. Tiers that analyse markup
// offline fetch it once per pass instead of issuing many DOM probes.
const ScriptOuterHTML = "document.documentElement.outerHTML"
