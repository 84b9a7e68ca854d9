// internal/browser/cdp_handle.go
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// CDPHandle drives one Chrome tab through the DevTools protocol.
type CDPHandle struct {
	ctx           context.Context // tab context, lives until Close
	cancelTab     context.CancelFunc
	cancelAlloc   context.CancelFunc
	logger        *zap.Logger
	actionTimeout time.Duration

	closeOnce sync.Once
}

var _ schemas.BrowserHandle = (*CDPHandle)(nil)

// run executes actions against the tab, bounded by both the caller's context
// and the per action timeout.
func (h *CDPHandle) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return schemas.NewError(schemas.KindTimeout, op, "context done before action", err)
	}
	opCtx, cancel := context.WithTimeout(h.ctx, h.actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	if opCtx.Err() == context.DeadlineExceeded || ctx.Err() != nil {
		h.logger.Debug("CDP action timed out.", zap.String("op", op), zap.Duration("timeout", h.actionTimeout))
		cause := ctx.Err()
		if cause == nil {
			cause = opCtx.Err()
		}
		return schemas.NewError(schemas.KindTimeout, op, fmt.Sprintf("timed out after %v", h.actionTimeout), cause)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (h *CDPHandle) Navigate(ctx context.Context, url string) error {
	h.logger.Debug("Navigating", zap.String("url", url))
	return h.run(ctx, "browser.Navigate",
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (h *CDPHandle) Click(ctx context.Context, selector string, opts schemas.ClickOptions) error {
	if opts.Button == "" || opts.Button == schemas.ButtonLeft && opts.Modifiers == schemas.ModNone {
		if err := h.ensurePresent(ctx, "browser.Click", selector); err != nil {
			return err
		}
		return h.run(ctx, "browser.Click", chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	}

	// Non default buttons and modifier clicks go through raw mouse events at the
	// element's centre.
	var box schemas.BoundingBox
	var found bool
	script := fmt.Sprintf(`(function(sel){var el=document.querySelector(sel);if(!el)return null;
el.scrollIntoView({block:'center'});var r=el.getBoundingClientRect();return {x:r.x,y:r.y,width:r.width,height:r.height};})(%s)`, jsonEncode(selector))
	raw, err := h.ExecuteScript(ctx, script)
	if err != nil {
		return err
	}
	if string(raw) != "null" {
		found = json.Unmarshal(raw, &box) == nil
	}
	if !found {
		return notFound("browser.Click", selector)
	}
	x, y := box.X+box.Width/2, box.Y+box.Height/2
	return h.run(ctx, "browser.Click", chromedp.MouseClickXY(x, y,
		chromedp.ButtonType(cdpButton(opts.Button)),
		chromedp.ButtonModifiers(cdpModifiers(opts.Modifiers)...),
	))
}

func (h *CDPHandle) Type(ctx context.Context, selector, text string, clearFirst bool) error {
	if err := h.ensurePresent(ctx, "browser.Type", selector); err != nil {
		return err
	}
	actions := []chromedp.Action{chromedp.Focus(selector, chromedp.ByQuery)}
	if clearFirst {
		actions = append(actions, chromedp.Clear(selector, chromedp.ByQuery))
	}
	actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	return h.run(ctx, "browser.Type", actions...)
}

func (h *CDPHandle) Select(ctx context.Context, selector, value string) error {
	raw, err := h.ExecuteScript(ctx, fmt.Sprintf(selectValueJS, jsonEncode(selector), jsonEncode(value)))
	if err != nil {
		return err
	}
	if string(raw) != "true" {
		return notFound("browser.Select", selector)
	}
	return nil
}

// ExecuteScript evaluates src and awaits any promise it yields. An undefined
// result comes back as JSON null.
func (h *CDPHandle) ExecuteScript(ctx context.Context, src string) (json.RawMessage, error) {
	var raw []byte
	err := h.run(ctx, "browser.ExecuteScript", chromedp.Evaluate(wrapScript(src), &raw,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true).WithReturnByValue(true)
		}))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(raw), nil
}

func (h *CDPHandle) Screenshot(ctx context.Context, opts schemas.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	if opts.FullPage {
		// FullScreenshot produces a PNG at quality 100 and a JPEG otherwise.
		if opts.Format != "jpeg" {
			quality = 100
		}
		err := h.run(ctx, "browser.Screenshot", chromedp.FullScreenshot(&buf, quality))
		return buf, err
	}
	err := h.run(ctx, "browser.Screenshot", chromedp.ActionFunc(func(ctx context.Context) error {
		p := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
		if opts.Format == "jpeg" {
			p = p.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(int64(quality))
		}
		var err error
		buf, err = p.Do(ctx)
		return err
	}))
	return buf, err
}

func (h *CDPHandle) WaitForSelector(ctx context.Context, selector string, strategy schemas.WaitStrategy, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = h.actionTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var action chromedp.Action
	switch strategy {
	case schemas.WaitEnabled:
		action = chromedp.WaitEnabled(selector, chromedp.ByQuery)
	case schemas.WaitReady:
		action = chromedp.WaitReady(selector, chromedp.ByQuery)
	case schemas.WaitComplete:
		action = chromedp.Tasks{
			chromedp.WaitReady(selector, chromedp.ByQuery),
			chromedp.Poll(`document.readyState === "complete"`, nil, chromedp.WithPollingInterval(50*time.Millisecond)),
		}
	default:
		action = chromedp.WaitVisible(selector, chromedp.ByQuery)
	}

	// The wait has its own budget which may exceed the action timeout.
	opCtx, opCancel := context.WithTimeout(h.ctx, timeout)
	defer opCancel()
	stop := context.AfterFunc(waitCtx, opCancel)
	defer stop()
	if err := chromedp.Run(opCtx, action); err != nil {
		if opCtx.Err() != nil {
			return schemas.NewError(schemas.KindTimeout, "browser.WaitForSelector",
				fmt.Sprintf("%q not %s after %v", selector, strategy, timeout), context.DeadlineExceeded)
		}
		return fmt.Errorf("browser.WaitForSelector: %w", err)
	}
	return nil
}

func (h *CDPHandle) FindElements(ctx context.Context, selector string) ([]schemas.ElementInfo, error) {
	raw, err := h.ExecuteScript(ctx, fmt.Sprintf(findElementsJS, jsonEncode(selector)))
	if err != nil {
		return nil, err
	}
	var res struct {
		Elements []schemas.ElementInfo `json:"elements"`
		Error    string                `json:"error"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("browser.FindElements: decode result: %w", err)
	}
	if res.Error != "" {
		return nil, schemas.NewError(schemas.KindValidationFailed, "browser.FindElements",
			fmt.Sprintf("invalid selector %q: %s", selector, res.Error), nil)
	}
	return res.Elements, nil
}

func (h *CDPHandle) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := h.run(ctx, "browser.CurrentURL", chromedp.Location(&u))
	return u, err
}

func (h *CDPHandle) Title(ctx context.Context) (string, error) {
	var t string
	err := h.run(ctx, "browser.Title", chromedp.Title(&t))
	return t, err
}

// Close shuts the tab and its browser process. It is safe to call twice.
func (h *CDPHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancelTab()
		h.cancelAlloc()
		h.logger.Debug("Browser handle closed")
	})
	return nil
}

func (h *CDPHandle) ensurePresent(ctx context.Context, op, selector string) error {
	raw, err := h.ExecuteScript(ctx, fmt.Sprintf(`document.querySelector(%s) !== null`, jsonEncode(selector)))
	if err != nil {
		return err
	}
	if string(raw) != "true" {
		return notFound(op, selector)
	}
	return nil
}

func notFound(op, selector string) error {
	e := schemas.NewError(schemas.KindNotFound, op, fmt.Sprintf("no element matches %q", selector), nil)
	e.Suggestions = []string{"check the selector against the current page", "wait for the element before acting"}
	return e
}

func cdpButton(b schemas.MouseButton) input.MouseButton {
	switch b {
	case schemas.ButtonRight:
		return input.Right
	case schemas.ButtonMiddle:
		return input.Middle
	default:
		return input.Left
	}
}

func cdpModifiers(m schemas.KeyModifier) []input.Modifier {
	var mods []input.Modifier
	if m&schemas.ModAlt != 0 {
		mods = append(mods, input.ModifierAlt)
	}
	if m&schemas.ModCtrl != 0 {
		mods = append(mods, input.ModifierCtrl)
	}
	if m&schemas.ModMeta != 0 {
		mods = append(mods, input.ModifierMeta)
	}
	if m&schemas.ModShift != 0 {
		mods = append(mods, input.ModifierShift)
	}
	return mods
}

// ChromeLauncher starts one headless Chrome process per handle.
type ChromeLauncher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewChromeLauncher returns a launcher configured from cfg.
func NewChromeLauncher(cfg config.BrowserConfig, logger *zap.Logger) *ChromeLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeLauncher{cfg: cfg, logger: logger.Named("chrome")}
}

// AllocatorOptions builds the exec allocator flags for the configuration.
func (l *ChromeLauncher) AllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", l.cfg.Headless))
	if w, hgt := l.cfg.Viewport["width"], l.cfg.Viewport["height"]; w > 0 && hgt > 0 {
		opts = append(opts, chromedp.WindowSize(w, hgt))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	for _, a := range l.cfg.Args {
		opts = append(opts, chromedp.Flag(a, true))
	}
	return opts
}

// Launch starts a browser and opens a blank tab. Cancelling ctx during startup
// aborts the launch; after Launch returns the handle outlives ctx.
func (l *ChromeLauncher) Launch(ctx context.Context) (schemas.BrowserHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), l.AllocatorOptions()...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(l.logger.Sugar().Debugf))

	stop := context.AfterFunc(ctx, cancelTab)
	err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank"))
	aborted := !stop()
	if err != nil || aborted {
		cancelTab()
		cancelAlloc()
		if err == nil {
			err = ctx.Err()
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	timeout := l.cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	l.logger.Info("Chrome started", zap.Bool("headless", l.cfg.Headless))
	return &CDPHandle{
		ctx:           tabCtx,
		cancelTab:     cancelTab,
		cancelAlloc:   cancelAlloc,
		logger:        l.logger,
		actionTimeout: timeout,
	}, nil
}
