package workflow

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateEncodeDecode(t *testing.T) {
	st := State{
		Step:        StepModerateSubscription,
		ListID:      42,
		Email:       "anne@example.com",
		Gates:       policy.Gates(policy.GateVerify).With(policy.GateModerate),
		AddressID:   9,
		UserID:      3,
		Resolved:    true,
		Verified:    true,
		Role:        consts.RoleMember,
		DisplayName: "Anne Person",
	}

	data, err := st.Encode()
	require.NoError(t, err)

	got, err := DecodeState(data)
	require.NoError(t, err)
	st.Version = StateVersion
	assert.Equal(t, st, got)
}

func TestStateEncodingIsDeterministic(t *testing.T) {
	st := State{Step: StepVerifyAddress, ListID: 1, Email: "bart@example.com", Gates: policy.Gates(policy.GateVerify), Combined: true}
	a, err := st.Encode()
	require.NoError(t, err)
	b, err := st.Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeStateRejectsUnknownVersion(t *testing.T) {
	data, err := cbor.Marshal(map[int]any{0: 99, 1: 2})
	require.NoError(t, err)

	_, err = DecodeState(data)
	assert.ErrorIs(t, err, ErrUnknownStateVersion)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	_, err := DecodeState([]byte{0xff, 0x00})
	assert.Error(t, err)

	data, err := cbor.Marshal(map[int]any{0: StateVersion, 1: 0})
	require.NoError(t, err)
	_, err = DecodeState(data)
	assert.Error(t, err)
}
