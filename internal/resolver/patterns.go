package resolver

import (
	"regexp"
	"strings"
)

// matchKind says how a pattern's captured text is matched against candidates.
type matchKind int

const (
	byButtonText matchKind = iota
	byAnyText
	byLinkText
	byField
	byCommon
)

type weighted struct {
	selector string
	weight   float64
}

// commonUI is a page element users name by role rather than by its text.
type commonUI struct {
	name      string
	selectors []weighted
	// texts are matched against clickable candidates.
	texts []string
}

var (
	uiSearch = &commonUI{name: "search box", selectors: []weighted{
		{`input[type="search"]`, 1.0},
		{`input[name="q"]`, 0.9},
		{`input[placeholder*="search"]`, 0.9},
		{`input[placeholder*="Search"]`, 0.9},
		{`input[name*="search"]`, 0.8},
		{`#search`, 0.8},
		{`[role="search"] input`, 0.8},
		{`input[aria-label*="earch"]`, 0.8},
	}}
	uiLogin = &commonUI{name: "login button", selectors: []weighted{
		{`#login-button`, 0.9},
		{`.login-button`, 0.8},
		{`#login`, 0.8},
	}, texts: []string{"login", "log in", "sign in"}}
	uiSignup = &commonUI{name: "signup button", selectors: []weighted{
		{`#signup-button`, 0.9},
		{`.signup-button`, 0.8},
		{`#signup`, 0.8},
		{`a[href*="signup"]`, 0.8},
		{`a[href*="register"]`, 0.8},
	}, texts: []string{"sign up", "signup", "register", "create account"}}
	uiSubmit = &commonUI{name: "submit button", selectors: []weighted{
		{`button[type="submit"]`, 1.0},
		{`input[type="submit"]`, 0.9},
	}, texts: []string{"submit", "send"}}
	uiNav = &commonUI{name: "navigation menu", selectors: []weighted{
		{`nav`, 1.0},
		{`[role="navigation"]`, 0.9},
		{`.navigation`, 0.8},
		{`.nav-menu`, 0.8},
		{`#navigation`, 0.8},
	}}
	uiLogo = &commonUI{name: "logo", selectors: []weighted{
		{`.logo`, 1.0},
		{`#logo`, 1.0},
		{`img.logo`, 0.9},
		{`a.logo`, 0.9},
		{`img[alt*="logo"]`, 0.8},
		{`img[alt*="Logo"]`, 0.8},
	}}
	uiCart = &commonUI{name: "cart", selectors: []weighted{
		{`.cart`, 1.0},
		{`#cart`, 1.0},
		{`a[href*="cart"]`, 0.9},
		{`[aria-label*="cart"]`, 0.9},
		{`[aria-label*="Cart"]`, 0.9},
	}, texts: []string{"cart", "basket"}}
	uiProfile = &commonUI{name: "profile", selectors: []weighted{
		{`.profile`, 1.0},
		{`#profile`, 1.0},
		{`.user-profile`, 0.9},
		{`a[href*="profile"]`, 0.8},
		{`a[href*="account"]`, 0.7},
	}, texts: []string{"profile", "my account"}}
	uiSettings = &commonUI{name: "settings", selectors: []weighted{
		{`.settings`, 1.0},
		{`#settings`, 1.0},
		{`a[href*="settings"]`, 0.9},
		{`[aria-label*="ettings"]`, 0.9},
	}, texts: []string{"settings", "preferences"}}
	uiHelp = &commonUI{name: "help", selectors: []weighted{
		{`.help-button`, 0.9},
		{`a[href*="help"]`, 0.9},
	}, texts: []string{"help", "support"}}
)

// pattern is one phrase family of the registry.
type pattern struct {
	name     string
	re       *regexp.Regexp
	priority int
	kind     matchKind
	ui       *commonUI
}

// registry is ordered by priority, highest first. Descriptions are lowercased
// before matching.
var registry = []pattern{
	{name: "button", re: regexp.MustCompile(`(?:click|press|tap|hit)\s+(?:on\s+)?(?:the\s+)?(.+?)\s+button$`), priority: 10, kind: byButtonText},
	{name: "link", re: regexp.MustCompile(`(?:click|go to|navigate to|open|follow)\s+(?:on\s+)?(?:the\s+)?(.+?)\s+link$`), priority: 10, kind: byLinkText},
	{name: "search_box", re: regexp.MustCompile(`\bsearch\s+(?:box|field|bar|input)\b`), priority: 10, kind: byCommon, ui: uiSearch},
	{name: "login", re: regexp.MustCompile(`\b(?:login|log\s?in|sign\s+in)(?:\s+(?:button|link))?$`), priority: 10, kind: byCommon, ui: uiLogin},
	{name: "signup", re: regexp.MustCompile(`\b(?:signup|sign\s+up|register|create\s+account)(?:\s+(?:button|link))?$`), priority: 10, kind: byCommon, ui: uiSignup},
	{name: "quoted", re: regexp.MustCompile(`(?:click|press|tap)\s+(?:on\s+)?['"](.+?)['"]`), priority: 9, kind: byAnyText},
	{name: "submit", re: regexp.MustCompile(`\bsubmit(?:\s+(?:button|form))?$`), priority: 9, kind: byCommon, ui: uiSubmit},
	{name: "type_in", re: regexp.MustCompile(`(?:type|enter|fill|input)\s+.*?\s+in(?:to)?\s+(?:the\s+)?(.+?)(?:\s+(?:field|input|box))?$`), priority: 8, kind: byField},
	{name: "nav_menu", re: regexp.MustCompile(`\b(?:navigation|nav|main)\s+menu\b`), priority: 8, kind: byCommon, ui: uiNav},
	{name: "cart", re: regexp.MustCompile(`\b(?:shopping\s+)?(?:cart|basket)\b`), priority: 8, kind: byCommon, ui: uiCart},
	{name: "field", re: regexp.MustCompile(`^(?:the\s+)?(.+?)\s+(?:input|field|box|textbox)$`), priority: 7, kind: byField},
	{name: "logo", re: regexp.MustCompile(`\blogo\b`), priority: 7, kind: byCommon, ui: uiLogo},
	{name: "profile", re: regexp.MustCompile(`\b(?:user\s+)?profile\b|\baccount\s+menu\b`), priority: 7, kind: byCommon, ui: uiProfile},
	{name: "settings", re: regexp.MustCompile(`\b(?:settings|preferences)\b`), priority: 7, kind: byCommon, ui: uiSettings},
	{name: "help", re: regexp.MustCompile(`\bhelp\b`), priority: 7, kind: byCommon, ui: uiHelp},
}

var pronounRE = regexp.MustCompile(`^(?:(?:click|press|tap|select|use)\s+)?(?:on\s+)?(it|that|this|the same(?: one| field| button)?)$`)

// pageHint is one row of a page-type table: descriptions containing any of
// the keywords map to the selectors.
type pageHint struct {
	label     string
	keywords  []string
	selectors []weighted
}

var pageTables = map[string][]pageHint{
	"login": {
		{"username field", []string{"user", "email", "login id"}, []weighted{{`input[type="email"]`, 1.0}, {`input[name*="user"]`, 0.9}, {`input[name*="email"]`, 0.9}, {`#username`, 0.9}}},
		{"password field", []string{"password", "pass"}, []weighted{{`input[type="password"]`, 1.0}}},
		{"submit button", []string{"submit", "sign in", "login", "log in", "continue"}, []weighted{{`button[type="submit"]`, 1.0}, {`input[type="submit"]`, 0.9}}},
	},
	"signup": {
		{"email field", []string{"email"}, []weighted{{`input[type="email"]`, 1.0}}},
		{"password field", []string{"password"}, []weighted{{`input[type="password"]`, 1.0}}},
		{"submit button", []string{"submit", "sign up", "register", "create"}, []weighted{{`button[type="submit"]`, 1.0}}},
	},
	"search": {
		{"search box", []string{"search", "query", "find"}, []weighted{{`input[type="search"]`, 1.0}, {`input[name="q"]`, 0.9}}},
		{"search button", []string{"go", "submit"}, []weighted{{`button[type="submit"]`, 0.9}}},
	},
	"checkout": {
		{"card number field", []string{"card"}, []weighted{{`input[autocomplete="cc-number"]`, 1.0}, {`input[name*="card"]`, 0.8}}},
		{"address field", []string{"address", "street"}, []weighted{{`input[autocomplete*="address"]`, 1.0}, {`input[name*="address"]`, 0.8}}},
		{"place order button", []string{"pay", "order", "checkout", "purchase"}, []weighted{{`button[type="submit"]`, 0.9}}},
	},
	"form": {
		{"name field", []string{"name"}, []weighted{{`input[name*="name"]`, 0.9}}},
		{"email field", []string{"email"}, []weighted{{`input[type="email"]`, 1.0}}},
		{"submit button", []string{"submit", "send"}, []weighted{{`button[type="submit"]`, 1.0}, {`input[type="submit"]`, 0.9}}},
	},
	"article": {
		{"headline", []string{"title", "headline", "heading"}, []weighted{{`h1`, 1.0}}},
		{"article body", []string{"body", "content", "text", "article"}, []weighted{{`article`, 1.0}, {`main`, 0.8}}},
	},
}

// genericSuggestions back up suggestions when nothing better is known.
var genericSuggestions = []string{"submit button", "search box", "navigation menu"}

// stopWords are stripped from a description before free text matching.
var stopWords = map[string]bool{
	"click": true, "press": true, "tap": true, "hit": true, "type": true, "enter": true,
	"select": true, "choose": true, "open": true, "the": true, "on": true, "a": true, "an": true,
	"button": true, "link": true, "field": true, "input": true, "box": true, "into": true, "in": true,
}

// queryText reduces a description to the words that name the element.
func queryText(desc string) string {
	var kept []string
	for _, w := range strings.Fields(desc) {
		if !stopWords[w] {
			kept = append(kept, strings.Trim(w, `"'`))
		}
	}
	return strings.Join(kept, " ")
}
