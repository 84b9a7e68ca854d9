// Package llmclient holds the language model providers behind the decision
// step and the router that chooses between them.
package llmclient

import (
	"time"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Task is the kind of provider call being routed.
type Task string

const (
	TaskIntent   Task = "intent"
	TaskPlan     Task = "plan"
	TaskCreative Task = "creative"
)

// Profile is the static description the routing policies rank on.
type Profile struct {
	CostPer1KTokens float64
	ExpectedLatency time.Duration
	Specializations []Task
}

func (p Profile) specializes(t Task) bool {
	for _, s := range p.Specializations {
		if s == t {
			return true
		}
	}
	return false
}

// Profiled is implemented by providers that describe themselves.
type Profiled interface {
	Profile() Profile
}

func profileOf(p schemas.Provider) Profile {
	if pp, ok := p.(Profiled); ok {
		return pp.Profile()
	}
	return Profile{ExpectedLatency: time.Second}
}
