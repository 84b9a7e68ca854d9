package recovery

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Rule maps message fragments and context hints to a category. Every message
// pattern found adds Confidence*0.8 and every context pattern adds
// Confidence*0.2.
type Rule struct {
	Name     string
	Category Category
	// MessagePatterns are lowercase substrings of the error text.
	MessagePatterns []string
	// ContextPatterns match the task type, operation or error kind.
	ContextPatterns []string
	Confidence      float64
	Priority        int
}

// Classifier scores an error against a priority-ordered rule set.
type Classifier struct {
	rules []Rule
}

// DefaultRules is the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:            "network",
			Category:        CategoryNetwork,
			MessagePatterns: []string{"connection refused", "connection reset", "network unreachable", "dns resolution failed", "no such host", "eof"},
			ContextPatterns: []string{"navigate", "fetch"},
			Confidence:      0.9,
			Priority:        100,
		},
		{
			Name:            "timeout",
			Category:        CategoryTimeout,
			MessagePatterns: []string{"timeout", "deadline exceeded", "timed out"},
			ContextPatterns: []string{strings.ToLower(string(schemas.KindTimeout)), strings.ToLower(string(schemas.KindTierTimeout))},
			Confidence:      0.85,
			Priority:        95,
		},
		{
			Name:            "browser",
			Category:        CategoryBrowser,
			MessagePatterns: []string{"chrome", "browser", "target closed", "element not found", "handle_startup", "probe_execution", "cdp"},
			ContextPatterns: []string{strings.ToLower(string(schemas.KindHandleStartup)), strings.ToLower(string(schemas.KindProbeExecution)), strings.ToLower(string(schemas.KindNotFound)), "click", "type", "screenshot"},
			Confidence:      0.85,
			Priority:        90,
		},
		{
			Name:            "llm",
			Category:        CategoryLLM,
			MessagePatterns: []string{"llm", "model", "provider", "rate limit", "all_providers_failed", "quota"},
			ContextPatterns: []string{strings.ToLower(string(schemas.KindAllProvidersFailed)), "decide", "intent", "plan"},
			Confidence:      0.8,
			Priority:        80,
		},
		{
			Name:            "resource",
			Category:        CategoryResource,
			MessagePatterns: []string{"resource_exhaustion", "out of memory", "too many open files", "pool exhausted", "no space left"},
			ContextPatterns: []string{strings.ToLower(string(schemas.KindResourceExhaustion)), "acquire"},
			Confidence:      0.85,
			Priority:        85,
		},
		{
			Name:            "auth",
			Category:        CategoryAuth,
			MessagePatterns: []string{"unauthorized", "forbidden", "401", "403", "invalid api key", "api key", "authentication"},
			ContextPatterns: []string{"login", "auth"},
			Confidence:      0.9,
			Priority:        88,
		},
		{
			Name:            "validation",
			Category:        CategoryValidation,
			MessagePatterns: []string{"validation_failed", "variable_undefined", "invalid", "validation"},
			ContextPatterns: []string{strings.ToLower(string(schemas.KindValidationFailed)), strings.ToLower(string(schemas.KindVariableUndefined)), "validate"},
			Confidence:      0.8,
			Priority:        70,
		},
		{
			Name:            "config",
			Category:        CategoryConfig,
			MessagePatterns: []string{"config", "missing setting", "unknown policy"},
			ContextPatterns: []string{"load"},
			Confidence:      0.75,
			Priority:        60,
		},
		{
			Name:            "execution",
			Category:        CategoryExecution,
			MessagePatterns: []string{"script", "javascript", "evaluate", "panic"},
			ContextPatterns: []string{"script", "extract", "custom"},
			Confidence:      0.7,
			Priority:        50,
		},
	}
}

// NewClassifier sorts rules by descending priority. A nil slice uses
// DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Classifier{rules: sorted}
}

// Classify returns the best-scoring category and its score. Ties keep the
// higher-priority rule. With no hit the result is Unknown at 0.
func (c *Classifier) Classify(err error, ectx ErrorContext) (Category, float64) {
	if err == nil {
		return CategoryUnknown, 0
	}
	msg := strings.ToLower(err.Error())
	hints := contextHints(err, ectx)

	best, bestScore := CategoryUnknown, 0.0
	for _, r := range c.rules {
		score := 0.0
		for _, p := range r.MessagePatterns {
			if strings.Contains(msg, p) {
				score += r.Confidence * 0.8
			}
		}
		for _, p := range r.ContextPatterns {
			if strings.Contains(hints, p) {
				score += r.Confidence * 0.2
			}
		}
		if score > bestScore {
			best, bestScore = r.Category, score
		}
	}
	return best, bestScore
}

func contextHints(err error, ectx ErrorContext) string {
	parts := []string{strings.ToLower(ectx.TaskType), strings.ToLower(ectx.Operation)}
	if k := schemas.KindOf(err); k != "" && k != schemas.KindInternal {
		parts = append(parts, strings.ToLower(string(k)))
	}
	return strings.Join(parts, " ")
}

// SeverityFor maps a category, and for network failures the task type, to a
// severity.
func SeverityFor(cat Category, taskType string) Severity {
	switch cat {
	case CategoryNetwork:
		if isCriticalTask(taskType) {
			return SeverityHigh
		}
		return SeverityMedium
	case CategoryBrowser, CategoryExecution, CategoryAuth:
		return SeverityHigh
	case CategoryResource:
		return SeverityCritical
	case CategoryValidation:
		return SeverityLow
	}
	return SeverityMedium
}

// Task types whose network failures rank High.
func isCriticalTask(taskType string) bool {
	switch strings.ToLower(taskType) {
	case "form_filling", "data_extraction":
		return true
	}
	return false
}
