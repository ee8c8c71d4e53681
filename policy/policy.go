// Package policy maps a list's subscription policy and per-attempt trust
// flags to the gates a subscription must clear.
package policy

import (
	"fmt"
	"strings"
)

// Policy is a mailing list's subscription policy.
type Policy string

const (
	Open                Policy = "open"
	Confirm             Policy = "confirm"
	Moderate            Policy = "moderate"
	ConfirmThenModerate Policy = "confirm_then_moderate"
)

// Parse converts configuration or CLI input into a Policy.
func Parse(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := table[p]; !ok {
		return "", fmt.Errorf("unknown subscription policy %q", s)
	}
	return p, nil
}

// Gate is a precondition that must clear before a member is committed.
type Gate uint8

const (
	GateVerify Gate = 1 << iota
	GateConfirm
	GateModerate
)

// Order is the fixed evaluation order of gates.
var Order = [...]Gate{GateVerify, GateConfirm, GateModerate}

func (g Gate) String() string {
	switch g {
	case GateVerify:
		return "verify"
	case GateConfirm:
		return "confirm"
	case GateModerate:
		return "moderate"
	default:
		return fmt.Sprintf("gate(%d)", uint8(g))
	}
}

// Gates is a set of gates. Iteration always follows Order.
type Gates uint8

func (gs Gates) Has(g Gate) bool {
	return uint8(gs)&uint8(g) != 0
}

func (gs Gates) With(g Gate) Gates {
	return gs | Gates(g)
}

func (gs Gates) Empty() bool {
	return gs == 0
}

// List returns the gates in evaluation order.
func (gs Gates) List() []Gate {
	out := make([]Gate, 0, len(Order))
	for _, g := range Order {
		if gs.Has(g) {
			out = append(out, g)
		}
	}
	return out
}

// Next returns the first required gate after the given one in Order.
// Passing 0 returns the first required gate.
func (gs Gates) Next(after Gate) (Gate, bool) {
	passed := after == 0
	for _, g := range Order {
		if !passed {
			passed = g == after
			continue
		}
		if gs.Has(g) {
			return g, true
		}
	}
	return 0, false
}

func (gs Gates) String() string {
	names := make([]string, 0, len(Order))
	for _, g := range gs.List() {
		names = append(names, g.String())
	}
	return "[" + strings.Join(names, ",") + "]"
}

// Trust carries out-of-band evidence that a gate is already satisfied,
// for example an administrator adding members in bulk.
type Trust struct {
	PreVerified  bool
	PreConfirmed bool
	PreApproved  bool
}

type requirement struct {
	verify, confirm, moderate bool
}

var table = map[Policy]requirement{
	Open:                {verify: true},
	Confirm:             {verify: true, confirm: true},
	Moderate:            {verify: true, moderate: true},
	ConfirmThenModerate: {verify: true, confirm: true, moderate: true},
}

// RequiredGates returns the gates an attempt must clear. It panics on a
// policy value that Parse would not have produced.
func RequiredGates(p Policy, trust Trust) Gates {
	req, ok := table[p]
	if !ok {
		panic(fmt.Sprintf("policy: unknown subscription policy %q", string(p)))
	}

	var gs Gates
	if req.verify && !trust.PreVerified {
		gs = gs.With(GateVerify)
	}
	if req.confirm && !trust.PreConfirmed {
		gs = gs.With(GateConfirm)
	}
	if req.moderate && !trust.PreApproved {
		gs = gs.With(GateModerate)
	}
	return gs
}
