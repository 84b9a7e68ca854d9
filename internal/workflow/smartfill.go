package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/perception"
	"github.com/xkilldash9x/webpilot/internal/resolver"
)

// smartFill fills a form from field keys. Keys may be selectors, field
// names, ids, placeholders, aria labels or visible labels.
func (o *Orchestrator) smartFill(ctx context.Context, env *stepEnv, _ *Step, p Params) error {
	keys := make([]string, 0, len(p.FormData))
	for k := range p.FormData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	page := env.ex.currentPage()
	if page == nil || page.Forms == nil {
		if res, err := o.perceive(ctx, env, perception.Standard, "fill form"); err == nil && res != nil {
			page = res
		} else if err != nil {
			env.ex.log.Debug("Form perception unavailable", zap.Error(err))
		}
	}

	var missing []string
	filled := 0
	for _, k := range keys {
		el, err := o.findField(ctx, env, k, page)
		if err != nil {
			if schemas.KindOf(err) != schemas.KindNotFound {
				return err
			}
			missing = append(missing, k)
			continue
		}
		value := p.FormData[k]
		if strings.EqualFold(el.TagName, "select") {
			err = env.handle().Select(ctx, el.Selector, value)
		} else {
			err = env.handle().Type(ctx, el.Selector, value, true)
		}
		if err != nil {
			return fmt.Errorf("filling %q: %w", k, err)
		}
		env.ex.resolver.NoteTyped(el.Selector)
		env.ex.resolver.Remember(k, el.Selector)
		env.run.action("filled %s via %s", k, el.Selector)
		filled++
	}
	env.run.output("filled", fmt.Sprint(filled))
	if len(missing) > 0 {
		e := schemas.NewError(schemas.KindNotFound, "workflow.smart_fill", fmt.Sprintf("fields not found: %s", strings.Join(missing, ", ")), nil)
		e.Suggestions = append(e.Suggestions, "Use explicit selectors for the missing fields")
		return e
	}
	return nil
}

func cssQuote(s string) string { return strings.ReplaceAll(s, `"`, `\"`) }

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// findField locates the input for key.
func (o *Orchestrator) findField(ctx context.Context, env *stepEnv, key string, page *perception.Result) (schemas.ElementInfo, error) {
	h := env.handle()
	probes := make([]string, 0, 5)
	if resolver.LooksLikeSelector(key) {
		probes = append(probes, key)
	}
	q := cssQuote(key)
	probes = append(probes, fmt.Sprintf(`[name="%s"]`, q))
	if isIdent(key) {
		probes = append(probes, "#"+key)
	}
	probes = append(probes, fmt.Sprintf(`[placeholder="%s"]`, q), fmt.Sprintf(`[aria-label="%s"]`, q))
	for _, sel := range probes {
		els, err := h.FindElements(ctx, sel)
		if err != nil {
			if ctx.Err() != nil {
				return schemas.ElementInfo{}, err
			}
			continue
		}
		if len(els) > 0 {
			el := els[0]
			if el.Selector == "" {
				el.Selector = sel
			}
			return el, nil
		}
	}

	if page != nil {
		lk := strings.ToLower(key)
		for _, f := range page.Forms {
			for _, fld := range f.Fields {
				if strings.EqualFold(fld.Name, key) || strings.Contains(strings.ToLower(fld.Label), lk) ||
					(fld.Placeholder != "" && strings.Contains(strings.ToLower(fld.Placeholder), lk)) {
					return schemas.ElementInfo{Selector: fld.Selector, TagName: fieldTag(fld)}, nil
				}
			}
		}
	}

	res, err := env.ex.resolver.Resolve(ctx, h, key+" field", page)
	if err != nil {
		return schemas.ElementInfo{}, err
	}
	els, err := h.FindElements(ctx, res.Selector)
	if err != nil || len(els) == 0 {
		return schemas.ElementInfo{Selector: res.Selector, TagName: "input"}, nil
	}
	el := els[0]
	el.Selector = res.Selector
	return el, nil
}

func fieldTag(f perception.FormField) string {
	switch f.Type {
	case "select", "select-one", "select-multiple":
		return "select"
	case "textarea":
		return "textarea"
	}
	return "input"
}
