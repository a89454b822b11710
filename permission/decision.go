package permission

import (
	"github.com/m4xw311/toolhub/errors"
)

// Decision is a stored answer for a tool. Ask means nothing is stored.
type Decision int

const (
	Ask Decision = iota
	AlwaysAllow
	AlwaysDeny
)

func (d Decision) String() string {
	switch d {
	case AlwaysAllow:
		return "always_allow"
	case AlwaysDeny:
		return "always_deny"
	default:
		return "ask"
	}
}

func ParseDecision(s string) (Decision, error) {
	switch s {
	case "always_allow":
		return AlwaysAllow, nil
	case "always_deny":
		return AlwaysDeny, nil
	case "ask", "":
		return Ask, nil
	default:
		return Ask, errors.New("unknown permission decision %q", s)
	}
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(b []byte) error {
	v, err := ParseDecision(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Scope is the breadth of a stored decision.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeDomain Scope = "domain"
)

// Record is one row of the permission table.
type Record struct {
	ToolName string   `json:"toolName"`
	Domain   string   `json:"domain,omitempty"`
	Decision Decision `json:"decision"`
}

func (r Record) Scope() Scope {
	if r.Domain != "" {
		return ScopeDomain
	}
	return ScopeGlobal
}

// Check is the answer to "may this call run now".
type Check struct {
	Allowed        bool   `json:"allowed"`
	RequiresPrompt bool   `json:"requiresPrompt"`
	Domain         string `json:"domain,omitempty"`
}
