package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredGatesMatrix(t *testing.T) {
	type expect struct{ verify, confirm, moderate bool }
	base := map[Policy]expect{
		Open:                {verify: true},
		Confirm:             {verify: true, confirm: true},
		Moderate:            {verify: true, moderate: true},
		ConfirmThenModerate: {verify: true, confirm: true, moderate: true},
	}

	for p, want := range base {
		for mask := 0; mask < 8; mask++ {
			trust := Trust{
				PreVerified:  mask&1 != 0,
				PreConfirmed: mask&2 != 0,
				PreApproved:  mask&4 != 0,
			}
			name := fmt.Sprintf("%s/v=%t,c=%t,a=%t", p, trust.PreVerified, trust.PreConfirmed, trust.PreApproved)
			t.Run(name, func(t *testing.T) {
				var expected []Gate
				if want.verify && !trust.PreVerified {
					expected = append(expected, GateVerify)
				}
				if want.confirm && !trust.PreConfirmed {
					expected = append(expected, GateConfirm)
				}
				if want.moderate && !trust.PreApproved {
					expected = append(expected, GateModerate)
				}

				got := RequiredGates(p, trust).List()
				if len(expected) == 0 {
					assert.Empty(t, got)
				} else {
					assert.Equal(t, expected, got)
				}
			})
		}
	}
}

func TestRequiredGatesUnknownPolicyPanics(t *testing.T) {
	assert.Panics(t, func() {
		RequiredGates(Policy("invite_only"), Trust{})
	})
}

func TestGatesNext(t *testing.T) {
	all := RequiredGates(ConfirmThenModerate, Trust{})

	g, ok := all.Next(0)
	require.True(t, ok)
	assert.Equal(t, GateVerify, g)

	g, ok = all.Next(GateVerify)
	require.True(t, ok)
	assert.Equal(t, GateConfirm, g)

	g, ok = all.Next(GateConfirm)
	require.True(t, ok)
	assert.Equal(t, GateModerate, g)

	_, ok = all.Next(GateModerate)
	assert.False(t, ok)

	onlyModerate := RequiredGates(Moderate, Trust{PreVerified: true})
	g, ok = onlyModerate.Next(0)
	require.True(t, ok)
	assert.Equal(t, GateModerate, g)
	assert.Equal(t, "[moderate]", onlyModerate.String())
}

func TestParse(t *testing.T) {
	p, err := Parse(" Confirm_Then_Moderate ")
	require.NoError(t, err)
	assert.Equal(t, ConfirmThenModerate, p)

	_, err = Parse("members_only")
	assert.Error(t, err)
}
