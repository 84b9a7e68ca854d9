package workflow

import (
	"fmt"
	"regexp"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

var placeholder = regexp.MustCompile(`\$\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}`)

// scope resolves ${name}: step locals first, then workflow vars, then
// template parameters.
type scope struct {
	locals map[string]string
	state  *State
	params map[string]string
}

func (s *scope) lookup(name string) (string, bool) {
	if v, ok := s.locals[name]; ok {
		return v, true
	}
	if s.state != nil {
		if v, ok := s.state.Var(name); ok {
			return v, true
		}
	}
	v, ok := s.params[name]
	return v, ok
}

// withLocals returns a scope for one step. Local values may themselves
// reference vars and parameters.
func (s *scope) withLocals(locals map[string]string) (*scope, error) {
	if len(locals) == 0 {
		return &scope{state: s.state, params: s.params}, nil
	}
	base := &scope{state: s.state, params: s.params}
	out := make(map[string]string, len(locals))
	for k, v := range locals {
		ev, err := base.expand(v)
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return &scope{locals: out, state: s.state, params: s.params}, nil
}

// expand replaces every placeholder in in. The first unknown name fails with
// VariableUndefined.
func (s *scope) expand(in string) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(in, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := s.lookup(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", schemas.NewError(schemas.KindVariableUndefined, "workflow.interpolate", fmt.Sprintf("variable %q is not defined", missing), nil)
	}
	return out, nil
}

func (s *scope) expandAll(fields ...*string) error {
	for _, f := range fields {
		v, err := s.expand(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

func (s *scope) expandMap(in map[string]string) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		ev, err := s.expand(v)
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return out, nil
}

// expandParams interpolates every string parameter. Conditions are
// interpolated when they are evaluated.
func (s *scope) expandParams(p Params) (Params, error) {
	if err := s.expandAll(&p.URL, &p.Selector, &p.Description, &p.Text, &p.Value,
		&p.Src, &p.StoreAs, &p.Attr, &p.Pattern, &p.Goal, &p.Action); err != nil {
		return Params{}, err
	}
	if len(p.Constraints) > 0 {
		cs := make([]string, len(p.Constraints))
		for i, c := range p.Constraints {
			v, err := s.expand(c)
			if err != nil {
				return Params{}, err
			}
			cs[i] = v
		}
		p.Constraints = cs
	}
	var err error
	if p.FormData, err = s.expandMap(p.FormData); err != nil {
		return Params{}, err
	}
	if p.Args, err = s.expandMap(p.Args); err != nil {
		return Params{}, err
	}
	return p, nil
}

func (s *scope) expandCondition(c Condition) (Condition, error) {
	if err := s.expandAll(&c.Selector, &c.Attr, &c.Name, &c.Src, &c.Expected); err != nil {
		return Condition{}, err
	}
	return c, nil
}
