package workflow

import (
	"fmt"

	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/policy"
)

// Event is the external input that resumed a suspended workflow.
type Event uint8

const (
	EventNone Event = iota
	// EventConfirmed is the subscriber redeeming a token.
	EventConfirmed
	EventApproved
	EventRejected
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventConfirmed:
		return "confirmed"
	case EventApproved:
		return "approved"
	case EventRejected:
		return "rejected"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Inputs are the facts Step may consult besides the state itself.
type Inputs struct {
	Event Event
}

type Kind uint8

const (
	// Advance moves to Next and keeps running.
	Advance Kind = iota + 1
	// Suspend persists Next and waits for Awaiting.
	Suspend
	// Done ends the workflow in Next.Step.
	Done
)

func (k Kind) String() string {
	switch k {
	case Advance:
		return "advance"
	case Suspend:
		return "suspend"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Effect is a side effect the driver performs before applying a transition.
type Effect uint8

const (
	EffectNone Effect = iota
	EffectResolveIdentity
	EffectSetVerified
	EffectCommit
	EffectCancel
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectResolveIdentity:
		return "resolve_identity"
	case EffectSetVerified:
		return "set_verified"
	case EffectCommit:
		return "commit"
	case EffectCancel:
		return "cancel"
	default:
		return fmt.Sprintf("effect(%d)", uint8(e))
	}
}

type Transition struct {
	Kind   Kind
	Next   State
	Effect Effect

	// Set on Suspend.
	Awaiting consts.Awaiting
	Gate     policy.Gate
}

// Step decides the next move for s. It performs no I/O.
//
// A suspended workflow is resumed with an Event; the driver passes it to
// the first Step call only. A rejection cancels from any step.
func Step(s State, in Inputs) Transition {
	if in.Event == EventRejected && !s.Step.Terminal() {
		next := s
		next.Step = StepCancelled
		return Transition{Kind: Done, Next: next, Effect: EffectCancel}
	}

	switch s.Step {
	case StepResolveIdentity:
		next := s
		next.Step = StepVerifyAddress
		if s.Resolved {
			return Transition{Kind: Advance, Next: next}
		}
		return Transition{Kind: Advance, Next: next, Effect: EffectResolveIdentity}

	case StepVerifyAddress:
		return stepVerify(s, in)

	case StepConfirmSubscription:
		next := s
		if !s.Gates.Has(policy.GateConfirm) || s.Confirmed {
			next.Step = StepModerateSubscription
			return Transition{Kind: Advance, Next: next}
		}
		if in.Event == EventConfirmed {
			next.Confirmed = true
			next.Step = StepModerateSubscription
			return Transition{Kind: Advance, Next: next}
		}
		return Transition{Kind: Suspend, Next: next, Awaiting: consts.AwaitingSubscriber, Gate: policy.GateConfirm}

	case StepModerateSubscription:
		next := s
		if !s.Gates.Has(policy.GateModerate) || s.Approved {
			next.Step = StepCommit
			return Transition{Kind: Advance, Next: next}
		}
		if in.Event == EventApproved {
			next.Approved = true
			next.Step = StepCommit
			return Transition{Kind: Advance, Next: next}
		}
		return Transition{Kind: Suspend, Next: next, Awaiting: consts.AwaitingModerator, Gate: policy.GateModerate}

	case StepCommit:
		next := s
		next.Step = StepCommitted
		return Transition{Kind: Done, Next: next, Effect: EffectCommit}

	default:
		return Transition{Kind: Done, Next: s}
	}
}

func stepVerify(s State, in Inputs) Transition {
	next := s
	next.Step = StepConfirmSubscription

	if s.Verified {
		return Transition{Kind: Advance, Next: next}
	}
	if !s.Gates.Has(policy.GateVerify) {
		// Trusted as verified out of band; record it on the address.
		next.Verified = true
		return Transition{Kind: Advance, Next: next, Effect: EffectSetVerified}
	}
	if in.Event == EventConfirmed {
		next.Verified = true
		if s.Combined {
			next.Confirmed = true
		}
		return Transition{Kind: Advance, Next: next, Effect: EffectSetVerified}
	}

	held := s
	held.Combined = s.Gates.Has(policy.GateConfirm) && !s.Confirmed
	return Transition{Kind: Suspend, Next: held, Awaiting: consts.AwaitingSubscriber, Gate: policy.GateVerify}
}
