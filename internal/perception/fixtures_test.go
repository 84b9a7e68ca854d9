package perception

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/internal/mocks"
)

const shopURL = "https://shop.test/login"

const shopPage = `<!doctype html>
<html lang="en"><head><title>Shop - Sign in</title><script>var x = 1;</script></head>
<body>
<header id="top">
  <a href="/" class="logo"><img src="/logo.png" alt="Shop logo"></a>
  <nav id="main-nav">
    <a href="/products">Products</a>
    <a href="/deals">Deals</a>
    <a href="/cart">Cart</a>
  </nav>
  <input type="search" name="q" placeholder="Search products">
</header>
<main>
  <h1>Sign in to your account</h1>
  <p>Contact support@shop.test or call +1 (555) 123-4567. Members save $10.00 today.</p>
  <form id="login-form" action="/account" method="POST">
    <label for="email">Email address</label>
    <input id="email" type="email" name="email" required>
    <label for="password">Password</label>
    <input id="password" type="password" name="password" required>
    <input type="hidden" name="csrf" value="t0k3n">
    <button type="submit" class="btn-primary">Sign in</button>
  </form>
  <button type="button" id="forgot">Forgot password?</button>
  <a href="/signup" class="btn">Create account</a>
</main>
<aside><h2>Why join?</h2><p>Fast shipping.</p></aside>
<footer><a href="/help">Help</a></footer>
</body></html>`

func newShopBrowser(t *testing.T) *mocks.SyntheticBrowser {
	t.Helper()
	b := mocks.NewSyntheticBrowser(map[string]string{
		shopURL:                   shopPage,
		"https://shop.test/empty": `<html><head><title>Empty</title></head><body></body></html>`,
	})
	require.NoError(t, b.Navigate(context.Background(), shopURL))
	return b
}
