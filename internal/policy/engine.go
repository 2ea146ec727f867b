package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/agentsh/hermit/internal/events"
	"github.com/agentsh/hermit/internal/manifest"
)

// GlobEngine is the reference rule engine: first matching rule wins, no match
// means allow-and-report. Rules come from the manifest and are compiled once.
type GlobEngine struct {
	rules []compiledRule
}

type compiledRule struct {
	rule  manifest.Rule
	globs []glob.Glob
	ops   map[string]struct{}
}

// NewGlobEngine compiles the manifest rules.
func NewGlobEngine(rules []manifest.Rule) (*GlobEngine, error) {
	e := &GlobEngine{}
	for _, r := range rules {
		cr := compiledRule{rule: r, ops: map[string]struct{}{}}
		for _, op := range r.Operations {
			cr.ops[strings.ToLower(op)] = struct{}{}
		}
		for _, pat := range r.Paths {
			g, err := glob.Compile(pat, '/')
			if err != nil {
				return nil, fmt.Errorf("policy: compile rule %q glob %q: %w", r.Name, pat, err)
			}
			cr.globs = append(cr.globs, g)
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Evaluate implements Engine.
func (e *GlobEngine) Evaluate(ev *events.AccessEvent) Decision {
	op := opName(ev.Kind)
	for _, r := range e.rules {
		if !matchOp(r.ops, op) {
			continue
		}
		for _, g := range r.globs {
			if g.Match(ev.Path) {
				return Decision{
					Checked: true,
					Report:  !r.rule.NoReport,
					Allow:   !strings.EqualFold(r.rule.Decision, "deny"),
				}
			}
		}
	}
	// Unmatched accesses are allowed but still observed.
	return Decision{Checked: true, Report: true, Allow: true}
}

func matchOp(ops map[string]struct{}, op string) bool {
	if len(ops) == 0 {
		return true
	}
	if _, ok := ops["*"]; ok {
		return true
	}
	_, ok := ops[op]
	return ok
}

// opName maps an event kind onto the operation vocabulary used in rules.
func opName(k events.Kind) string {
	switch events.Coalesce(k) {
	case events.KindWrite, events.KindCreate, events.KindDelete:
		return "write"
	case events.KindStat, events.KindReadlink:
		return "stat"
	case events.KindExec:
		return "exec"
	case events.KindEnumerate:
		return "enumerate"
	default:
		return "read"
	}
}

// RequestedAccess maps an event kind onto the wire access bitmask.
func RequestedAccess(k events.Kind) events.Access {
	switch events.Coalesce(k) {
	case events.KindWrite, events.KindCreate, events.KindDelete, events.KindRename, events.KindLink:
		return events.AccessWrite
	case events.KindStat, events.KindReadlink:
		return events.AccessProbe
	case events.KindEnumerate:
		return events.AccessEnumerate
	default:
		return events.AccessRead
	}
}
