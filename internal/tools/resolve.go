// ABOUTME: Resolves the effective tool set from deployment and request policy.
// ABOUTME: Deployment denial is applied last so a request can never widen it.

package tools

import (
	"errors"
	"slices"
	"strings"
)

// ErrNoEligibleTools is returned when every explicitly requested tool was
// removed by policy.
var ErrNoEligibleTools = errors.New("no eligible tools")

// Set is the effective tool set for one execution. The zero value is
// unrestricted; an explicit set may be empty, meaning no tool may run.
type Set struct {
	explicit bool
	names    []string
}

// Unrestricted returns the sentinel set that applies no filtering.
func Unrestricted() Set {
	return Set{}
}

// Explicit returns a restricted set holding names in order, duplicates removed.
func Explicit(names ...string) Set {
	return Set{explicit: true, names: dedupe(names)}
}

// IsUnrestricted reports whether no tool filtering applies.
func (s Set) IsUnrestricted() bool {
	return !s.explicit
}

// IsEmpty reports whether the set is explicit and allows nothing.
func (s Set) IsEmpty() bool {
	return s.explicit && len(s.names) == 0
}

// Names returns a copy of the permitted tools. It is nil for an
// unrestricted set.
func (s Set) Names() []string {
	if !s.explicit {
		return nil
	}
	return append([]string{}, s.names...)
}

// Contains reports whether name may run under this set.
func (s Set) Contains(name string) bool {
	if !s.explicit {
		return true
	}
	return slices.Contains(s.names, name)
}

func (s Set) String() string {
	if !s.explicit {
		return "unrestricted"
	}
	return "[" + strings.Join(s.names, " ") + "]"
}

// Policy carries the three optional tool lists. A nil slice means the list
// is absent; an empty non-nil slice is present and empty.
type Policy struct {
	DeploymentAllowed []string
	DeploymentDenied  []string
	RequestAllowed    []string
}

// Resolve computes the effective tool set.
//
// The running set starts at DeploymentAllowed (or unrestricted). Denied tools
// are removed, which is a no-op while unrestricted. RequestAllowed then either
// becomes the set (when unrestricted) or is intersected with it, keeping the
// deployment order. Denied tools are removed once more because the
// request-only path could otherwise reintroduce them.
func Resolve(p Policy) Set {
	running := Unrestricted()
	if p.DeploymentAllowed != nil {
		running = Explicit(p.DeploymentAllowed...)
	}

	if p.DeploymentDenied != nil {
		running = running.without(p.DeploymentDenied)
	}

	if p.RequestAllowed != nil {
		if running.IsUnrestricted() {
			running = Explicit(p.RequestAllowed...)
		} else {
			running = running.intersect(p.RequestAllowed)
		}
	}

	if p.DeploymentDenied != nil {
		running = running.without(p.DeploymentDenied)
	}
	return running
}

// Check resolves the policy and rejects requests whose explicitly requested
// tools were all filtered out.
func Check(p Policy) (Set, error) {
	set := Resolve(p)
	if set.IsEmpty() && len(p.RequestAllowed) > 0 {
		return set, ErrNoEligibleTools
	}
	return set, nil
}

func (s Set) without(denied []string) Set {
	if !s.explicit {
		return s
	}
	out := make([]string, 0, len(s.names))
	for _, n := range s.names {
		if !slices.Contains(denied, n) {
			out = append(out, n)
		}
	}
	return Set{explicit: true, names: out}
}

func (s Set) intersect(requested []string) Set {
	out := make([]string, 0, len(s.names))
	for _, n := range s.names {
		if slices.Contains(requested, n) {
			out = append(out, n)
		}
	}
	return Set{explicit: true, names: out}
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
