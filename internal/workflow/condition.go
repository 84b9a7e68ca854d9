package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Source is what a condition observes.
type Source string

const (
	SourceElementExists  Source = "element_exists"
	SourceElementVisible Source = "element_visible"
	SourceElementText    Source = "element_text"
	SourceElementAttr    Source = "element_attr"
	SourcePageURL        Source = "page_url"
	SourcePageTitle      Source = "page_title"
	SourceVar            Source = "var"
	SourcePrevStep       Source = "prev_step_result"
	SourceScript         Source = "script"
)

// Operator compares the observed value with Expected.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNotEq       Operator = "not_eq"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGt          Operator = "gt"
	OpLt          Operator = "lt"
	OpGte         Operator = "gte"
	OpLte         Operator = "lte"
	OpRegex       Operator = "regex"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Condition is (source, operator, expected). Selector and Attr apply to the
// element sources, Name to var and Src to script. Boolean sources
// (element_exists, element_visible, prev_step_result) observe "true" or
// "false" and are present only when true.
type Condition struct {
	Source   Source   `yaml:"source" json:"source"`
	Selector string   `yaml:"selector,omitempty" json:"selector,omitempty"`
	Attr     string   `yaml:"attr,omitempty" json:"attr,omitempty"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Src      string   `yaml:"src,omitempty" json:"src,omitempty"`
	Op       Operator `yaml:"op,omitempty" json:"op,omitempty"`
	Expected string   `yaml:"expected,omitempty" json:"expected,omitempty"`
	// Required preconditions gate the step. Others are only logged.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
}

// operator defaults to exists when nothing is expected and eq otherwise.
func (c Condition) operator() Operator {
	if c.Op != "" {
		return c.Op
	}
	if c.Expected == "" {
		return OpExists
	}
	return OpEq
}

func (c Condition) String() string {
	subject := string(c.Source)
	switch {
	case c.Selector != "" && c.Attr != "":
		subject += "(" + c.Selector + "@" + c.Attr + ")"
	case c.Selector != "":
		subject += "(" + c.Selector + ")"
	case c.Name != "":
		subject += "(" + c.Name + ")"
	}
	if c.Expected == "" {
		return subject + " " + string(c.operator())
	}
	return fmt.Sprintf("%s %s %q", subject, c.operator(), c.Expected)
}

func (c Condition) validate() error {
	switch c.Source {
	case SourceElementExists, SourceElementVisible, SourceElementText:
		if c.Selector == "" {
			return fmt.Errorf("%s condition needs selector", c.Source)
		}
	case SourceElementAttr:
		if c.Selector == "" || c.Attr == "" {
			return errors.New("element_attr condition needs selector and attr")
		}
	case SourceVar:
		if c.Name == "" {
			return errors.New("var condition needs name")
		}
	case SourceScript:
		if c.Src == "" {
			return errors.New("script condition needs src")
		}
	case SourcePageURL, SourcePageTitle, SourcePrevStep:
	default:
		return fmt.Errorf("unknown condition source %q", c.Source)
	}
	switch c.operator() {
	case OpEq, OpNotEq, OpContains, OpNotContains, OpExists, OpNotExists:
	case OpGt, OpLt, OpGte, OpLte:
		if _, err := strconv.ParseFloat(c.Expected, 64); err != nil && !strings.Contains(c.Expected, "${") {
			return fmt.Errorf("operator %s needs a numeric expected value, got %q", c.Op, c.Expected)
		}
	case OpRegex:
		if !strings.Contains(c.Expected, "${") {
			if _, err := regexp.Compile(c.Expected); err != nil {
				return fmt.Errorf("invalid regex %q: %w", c.Expected, err)
			}
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	return nil
}

// evaluator reads condition sources from a page and the run state.
type evaluator struct {
	h     schemas.BrowserHandle
	scope *scope
	prev  *StepRun
}

// eval interpolates c and evaluates it.
func (e evaluator) eval(ctx context.Context, c Condition) (bool, error) {
	c, err := e.scope.expandCondition(c)
	if err != nil {
		return false, err
	}
	actual, present, err := e.observe(ctx, c)
	if err != nil {
		return false, err
	}
	return compare(actual, present, c.operator(), c.Expected)
}

// all reports whether every condition holds, stopping at the first that
// does not.
func (e evaluator) all(ctx context.Context, conds []Condition) (bool, *Condition, error) {
	for i := range conds {
		ok, err := e.eval(ctx, conds[i])
		if err != nil || !ok {
			return false, &conds[i], err
		}
	}
	return true, nil, nil
}

func boolValue(b bool) (string, bool) { return strconv.FormatBool(b), b }

func (e evaluator) observe(ctx context.Context, c Condition) (string, bool, error) {
	switch c.Source {
	case SourceElementExists, SourceElementVisible, SourceElementText, SourceElementAttr:
		els, err := e.h.FindElements(ctx, c.Selector)
		if err != nil {
			return "", false, err
		}
		switch c.Source {
		case SourceElementExists:
			v, p := boolValue(len(els) > 0)
			return v, p, nil
		case SourceElementVisible:
			visible := false
			for _, el := range els {
				if el.Visible {
					visible = true
					break
				}
			}
			v, p := boolValue(visible)
			return v, p, nil
		}
		if len(els) == 0 {
			return "", false, nil
		}
		if c.Source == SourceElementText {
			return strings.TrimSpace(els[0].Text), true, nil
		}
		v, ok := els[0].Attributes[c.Attr]
		return v, ok, nil
	case SourcePageURL:
		u, err := e.h.CurrentURL(ctx)
		return u, err == nil, err
	case SourcePageTitle:
		t, err := e.h.Title(ctx)
		return t, err == nil, err
	case SourceVar:
		v, ok := e.scope.lookup(c.Name)
		return v, ok, nil
	case SourcePrevStep:
		if e.prev == nil {
			return "false", false, nil
		}
		v, p := boolValue(e.prev.Success)
		return v, p, nil
	case SourceScript:
		raw, err := e.h.ExecuteScript(ctx, c.Src)
		if err != nil {
			return "", false, err
		}
		v, ok := scalar(raw)
		return v, ok, nil
	}
	return "", false, schemas.NewError(schemas.KindValidationFailed, "workflow.condition", fmt.Sprintf("unknown source %q", c.Source), nil)
}

// scalar renders a script result as a string. JSON null is absent.
func scalar(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "undefined" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return trimmed, true
}

func compare(actual string, present bool, op Operator, expected string) (bool, error) {
	switch op {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	case OpEq:
		return present && actual == expected, nil
	case OpNotEq:
		return !present || actual != expected, nil
	case OpContains:
		return present && strings.Contains(actual, expected), nil
	case OpNotContains:
		return !present || !strings.Contains(actual, expected), nil
	case OpRegex:
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, schemas.NewError(schemas.KindValidationFailed, "workflow.condition", fmt.Sprintf("invalid regex %q", expected), err)
		}
		return present && re.MatchString(actual), nil
	case OpGt, OpLt, OpGte, OpLte:
		if !present {
			return false, nil
		}
		want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false, schemas.NewError(schemas.KindValidationFailed, "workflow.condition", fmt.Sprintf("expected value %q is not a number", expected), err)
		}
		got, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, nil
		}
		switch op {
		case OpGt:
			return got > want, nil
		case OpLt:
			return got < want, nil
		case OpGte:
			return got >= want, nil
		}
		return got <= want, nil
	}
	return false, schemas.NewError(schemas.KindValidationFailed, "workflow.condition", fmt.Sprintf("unknown operator %q", op), nil)
}
