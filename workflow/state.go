package workflow

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/policy"
)

// StepID names a position of the workflow cursor.
type StepID uint8

const (
	StepResolveIdentity StepID = iota + 1
	StepVerifyAddress
	StepConfirmSubscription
	StepModerateSubscription
	StepCommit

	// Terminal steps.
	StepCommitted
	StepCancelled
)

func (s StepID) String() string {
	switch s {
	case StepResolveIdentity:
		return "RESOLVE_IDENTITY"
	case StepVerifyAddress:
		return "VERIFY_ADDRESS"
	case StepConfirmSubscription:
		return "CONFIRM_SUBSCRIPTION"
	case StepModerateSubscription:
		return "MODERATE_SUBSCRIPTION"
	case StepCommit:
		return "COMMIT"
	case StepCommitted:
		return "COMMITTED"
	case StepCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

func (s StepID) Terminal() bool {
	return s == StepCommitted || s == StepCancelled
}

// StateVersion is written into every encoded State.
const StateVersion uint8 = 1

var ErrUnknownStateVersion = errors.New("unknown workflow state version")

// State is everything a suspended workflow needs to continue. It holds ids
// only, never loaded rows, so it can be rebuilt from its encoding in a
// different process.
type State struct {
	Version uint8        `cbor:"0,keyasint"`
	Step    StepID       `cbor:"1,keyasint"`
	ListID  int64        `cbor:"2,keyasint"`
	Email   string       `cbor:"3,keyasint,omitempty"`
	Gates   policy.Gates `cbor:"4,keyasint"`

	// Set by RESOLVE_IDENTITY. A zero UserID on an address subscriber is
	// filled in at COMMIT.
	AddressID int64 `cbor:"5,keyasint,omitempty"`
	UserID    int64 `cbor:"6,keyasint,omitempty"`
	Resolved  bool  `cbor:"7,keyasint,omitempty"`

	Verified  bool `cbor:"8,keyasint,omitempty"`
	Confirmed bool `cbor:"9,keyasint,omitempty"`
	Approved  bool `cbor:"10,keyasint,omitempty"`

	// Combined marks a single token that clears both verify and confirm.
	Combined bool `cbor:"11,keyasint,omitempty"`

	Role        consts.Role `cbor:"12,keyasint,omitempty"`
	DisplayName string      `cbor:"13,keyasint,omitempty"`
	Reason      string      `cbor:"14,keyasint,omitempty"`

	// The user named by a user subscriber, before resolution.
	SubscriberUser string `cbor:"15,keyasint,omitempty"`
}

var (
	stateEncMode cbor.EncMode
	stateDecMode cbor.DecMode
)

func init() {
	var err error
	stateEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("workflow: CBOR encoder initialization failed: " + err.Error())
	}
	stateDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("workflow: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes s with Core Deterministic Encoding. Equal states
// always produce identical bytes.
func (s State) Encode() ([]byte, error) {
	s.Version = StateVersion
	data, err := stateEncMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow state: %w", err)
	}
	return data, nil
}

// DecodeState rebuilds a State from Encode output.
func DecodeState(data []byte) (State, error) {
	var s State
	if err := stateDecMode.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode workflow state: %w", err)
	}
	if s.Version != StateVersion {
		return State{}, fmt.Errorf("%w: %d", ErrUnknownStateVersion, s.Version)
	}
	if s.Step == 0 || s.Step > StepCancelled {
		return State{}, fmt.Errorf("failed to decode workflow state: invalid step %d", s.Step)
	}
	return s, nil
}
