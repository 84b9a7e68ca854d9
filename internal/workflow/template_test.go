package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

const loginTemplate = `
id: login
name: Log in
task_type: form_filling
parameters:
  - name: user
    required: true
  - name: base
    default: https://e.com
steps:
  - id: open
    kind: navigate
    params:
      url: ${base}
  - id: fill
    kind: smart_fill
    params:
      form_data:
        username: ${user}
    retry:
      max_retries: 2
      delay: 200ms
      exponential: true
      max_delay: 1s
  - id: submit
    kind: click
    params:
      selector: .login
      modifiers: [shift]
    on_failure:
      action: jump
      target: report
  - id: report
    kind: screenshot
    on_failure: continue
`

func TestLoadTemplate(t *testing.T) {
	tmpl, err := LoadTemplate(strings.NewReader(loginTemplate))
	require.NoError(t, err)

	assert.Equal(t, "login", tmpl.ID)
	require.Len(t, tmpl.Steps, 4)
	assert.Equal(t, "open", tmpl.first())

	fill, ok := tmpl.step("fill")
	require.True(t, ok)
	require.NotNil(t, fill.Retry)
	assert.Equal(t, 2, fill.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, fill.Retry.Delay)
	assert.Equal(t, "${user}", fill.Params.FormData["username"])

	submit, _ := tmpl.step("submit")
	assert.Equal(t, FailurePolicy{Action: FailJump, Target: "report"}, submit.OnFailure)
	report, _ := tmpl.step("report")
	assert.Equal(t, FailContinue, report.OnFailure.action())
	assert.Equal(t, FailStop, fill.OnFailure.action())
}

func TestLoadTemplate_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"unknown field": "id: x\nsteps:\n  - id: a\n    kind: wait\n    params: {duration_ms: 1}\n    colour: red\n",
		"bad yaml":      "id: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadTemplate(strings.NewReader(doc))
			require.Error(t, err)
			assert.Equal(t, schemas.KindValidationFailed, schemas.KindOf(err))
		})
	}
}

func wait(id string) Step { return Step{ID: id, Kind: KindWait, Params: Params{DurationMS: 1}} }

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		tmpl Template
		want string
	}{
		{"no id", Template{Steps: []Step{wait("a")}}, "id is required"},
		{"no steps", Template{ID: "t"}, "has no steps"},
		{"duplicate", Template{ID: "t", Steps: []Step{wait("a"), wait("a")}}, "duplicate step id"},
		{"reserved", Template{ID: "t", Steps: []Step{wait(EndStep)}}, "reserved"},
		{"initial", Template{ID: "t", InitialStep: "zz", Steps: []Step{wait("a")}}, "initial step"},
		{"missing param", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindNavigate}}}, "navigate needs url"},
		{"unknown kind", Template{ID: "t", Steps: []Step{{ID: "a", Kind: "teleport"}}}, "unknown step kind"},
		{"bad modifier", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindClick, Params: Params{Selector: "#x", Modifiers: []string{"hyper"}}}}}, "unknown modifier"},
		{"dangling next", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindWait, Params: Params{DurationMS: 1}, Next: "b"}}}, "unknown step"},
		{"jump without target", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindWait, Params: Params{DurationMS: 1}, OnFailure: FailurePolicy{Action: FailJump}}}}, "jump needs a target"},
		{"unknown on_failure", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindWait, Params: Params{DurationMS: 1}, OnFailure: FailurePolicy{Action: "panic"}}}}, "unknown on_failure"},
		{"bad condition", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindValidate, Params: Params{Condition: &Condition{Source: SourceElementText}}}}}, "needs selector"},
		{"bad regex", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindValidate, Params: Params{Condition: &Condition{Source: SourcePageURL, Op: OpRegex, Expected: "("}}}}}, "invalid regex"},
		{"self loop body", Template{ID: "t", Steps: []Step{{ID: "a", Kind: KindLoop, Params: Params{Body: []string{"a"}, Times: 2}}}}, "contain itself"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tmpl.Validate()
			require.Error(t, err)
			assert.Equal(t, schemas.KindValidationFailed, schemas.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_Cycles(t *testing.T) {
	a := wait("a")
	a.Next = "b"
	b := wait("b")
	b.Next = "a"
	err := (&Template{ID: "t", Steps: []Step{a, b}}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	// A back edge through a loop step is allowed.
	l := Step{ID: "l", Kind: KindLoop, Params: Params{Body: []string{"x"}, Times: 2}}
	x := wait("x")
	c := wait("c")
	c.OnSuccess = []Transition{{Target: "l", When: &Condition{Source: SourceVar, Name: "again"}}}
	assert.NoError(t, (&Template{ID: "t", Steps: []Step{l, x, c}}).Validate())
}

func TestDefaultNext_SkipsNestedSteps(t *testing.T) {
	tmpl := &Template{ID: "t", Steps: []Step{
		{ID: "loop", Kind: KindLoop, Params: Params{Body: []string{"inner"}, Times: 2}},
		wait("inner"),
		wait("after"),
	}}
	require.NoError(t, tmpl.Validate())
	assert.Equal(t, "loop", tmpl.first())
	assert.Equal(t, "after", tmpl.defaultNext("loop"))
	assert.Equal(t, "", tmpl.defaultNext("inner"))
	assert.Equal(t, "", tmpl.defaultNext("after"))
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, Delay: 100 * time.Millisecond, Exponential: true, MaxDelay: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.backoff(6))

	flat := RetryPolicy{Delay: time.Second}
	assert.Equal(t, time.Second, flat.backoff(4))

	notFound := schemas.NewError(schemas.KindNotFound, "op", "gone", nil)
	assert.True(t, flat.allows(notFound))
	assert.False(t, flat.allows(schemas.NewError(schemas.KindValidationFailed, "op", "bad", nil)))

	only := RetryPolicy{RetryOn: []schemas.ErrorKind{schemas.KindTimeout}}
	assert.False(t, only.allows(notFound))
	assert.True(t, only.allows(schemas.NewError(schemas.KindTimeout, "op", "slow", nil)))
}

func TestParseModifiers(t *testing.T) {
	m, err := parseModifiers([]string{"Ctrl", "shift"})
	require.NoError(t, err)
	assert.Equal(t, schemas.ModCtrl|schemas.ModShift, m)

	_, err = parseModifiers([]string{"super"})
	assert.Error(t, err)
}
