package mocks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

const loginPage = `<html><head><title>Sign in</title></head><body>
<form id="login" action="/home">
  <input type="email" name="email" placeholder="Email">
  <input type="password" name="password">
  <input type="hidden" name="csrf" value="x">
  <select name="country"><option value="us">US</option><option value="de">DE</option></select>
  <button type="submit" class="btn-primary">Sign in</button>
</form>
<a href="/help">Help</a>
<div style="display: none"><button id="ghost">Ghost</button></div>
</body></html>`

func newLoginBrowser(t *testing.T) *SyntheticBrowser {
	t.Helper()
	b := NewSyntheticBrowser(map[string]string{
		"https://site.test/login": loginPage,
		"https://site.test/home":  `<html><head><title>Home</title></head><body><h1>Welcome</h1></body></html>`,
		"https://site.test/help":  `<html><head><title>Help</title></head><body></body></html>`,
	})
	require.NoError(t, b.Navigate(context.Background(), "https://site.test/login"))
	return b
}

func TestSyntheticBrowser_FindElements(t *testing.T) {
	b := newLoginBrowser(t)
	els, err := b.FindElements(context.Background(), "input")
	require.NoError(t, err)
	require.Len(t, els, 3)

	assert.Equal(t, "input", els[0].TagName)
	assert.Equal(t, "email", els[0].Attr("type"))
	assert.True(t, els[0].Visible)
	assert.False(t, els[2].Visible, "hidden inputs are not visible")
	assert.Equal(t, "#login > input:nth-of-type(1)", els[0].Selector)

	ghost, err := b.FindElements(context.Background(), "#ghost")
	require.NoError(t, err)
	require.Len(t, ghost, 1)
	assert.False(t, ghost[0].Visible)
	assert.True(t, ghost[0].Clickable)
}

func TestSyntheticBrowser_TypeSelectAndSubmit(t *testing.T) {
	b := newLoginBrowser(t)
	ctx := context.Background()

	require.NoError(t, b.Type(ctx, `input[name="email"]`, "a@b.c", true))
	assert.Equal(t, "a@b.c", b.Value(`input[name="email"]`))
	require.NoError(t, b.Type(ctx, `input[name="email"]`, "om", false))
	assert.Equal(t, "a@b.com", b.Value(`input[name="email"]`))

	require.NoError(t, b.Select(ctx, `select[name="country"]`, "de"))
	err := b.Select(ctx, `select[name="country"]`, "fr")
	assert.Equal(t, schemas.KindValidationFailed, schemas.KindOf(err))

	require.NoError(t, b.Click(ctx, `button[type="submit"]`, schemas.ClickOptions{}))
	u, err := b.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://site.test/home", u)
	title, err := b.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Home", title)
}

func TestSyntheticBrowser_ClickMissingIsNotFound(t *testing.T) {
	b := newLoginBrowser(t)
	err := b.Click(context.Background(), "#nope", schemas.ClickOptions{})
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestSyntheticBrowser_OuterHTMLAndScripts(t *testing.T) {
	b := newLoginBrowser(t)
	raw, err := b.ExecuteScript(context.Background(), schemas.ScriptOuterHTML)
	require.NoError(t, err)
	var html string
	require.NoError(t, json.Unmarshal(raw, &html))
	assert.Contains(t, html, `<form id="login"`)

	b.OnScript("1+1", json.RawMessage("2"))
	raw, err = b.ExecuteScript(context.Background(), "1+1")
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(raw))

	raw, err = b.ExecuteScript(context.Background(), "void 0")
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func TestSyntheticBrowser_LatencyAndFailures(t *testing.T) {
	b := newLoginBrowser(t)
	b.SetLatency(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Title(ctx)
	assert.Equal(t, schemas.KindTimeout, schemas.KindOf(err))

	b.SetLatency(0)
	b.FailNext("Navigate", assert.AnError)
	assert.ErrorIs(t, b.Navigate(context.Background(), "https://site.test/help"), assert.AnError)
	assert.NoError(t, b.Navigate(context.Background(), "https://site.test/help"))
	assert.Error(t, b.Navigate(context.Background(), "https://unknown.test"))
}

func TestSyntheticBrowser_WaitForSelector(t *testing.T) {
	b := newLoginBrowser(t)
	ctx := context.Background()
	assert.NoError(t, b.WaitForSelector(ctx, "#login", schemas.WaitVisible, 50*time.Millisecond))
	err := b.WaitForSelector(ctx, "#ghost", schemas.WaitVisible, 30*time.Millisecond)
	assert.Equal(t, schemas.KindTimeout, schemas.KindOf(err))

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Load("https://site.test/late", `<html><body><div id="late"></div></body></html>`)
	}()
	assert.NoError(t, b.WaitForSelector(ctx, "#late", schemas.WaitReady, time.Second))
}
