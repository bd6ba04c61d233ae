package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpeed(t *testing.T) {
	s, err := ParseSpeed("1000/500")
	require.NoError(t, err)
	assert.Equal(t, Speed{DownMbps: 1000, UpMbps: 500}, s)
	assert.Equal(t, "1000/500", s.String())

	s, err = ParseSpeed("")
	require.NoError(t, err)
	assert.True(t, s.IsZero())
	assert.Empty(t, s.String())

	for _, bad := range []string{"1000", "a/b", "10/x"} {
		_, err := ParseSpeed(bad)
		assert.Error(t, err, bad)
	}
}

func TestActionKey(t *testing.T) {
	activate := Action{Kind: ActionActivate, UnitID: "101", Desired: DesiredActive, Generation: 3, Speed: Speed{DownMbps: 500, UpMbps: 500}}
	plain := activate
	plain.Speed = Speed{}
	assert.Equal(t, plain.Key(), activate.Key(), "the profile does not change an activation's identity")

	set := Action{Kind: ActionSetSpeed, UnitID: "101", Desired: DesiredActive, Generation: 3, Speed: Speed{DownMbps: 1000, UpMbps: 1000}}
	assert.Equal(t, "101:speed-1000x1000:3", set.Key())
	assert.NotEqual(t, activate.Key(), set.Key())
	assert.Equal(t, ActualActive, set.TargetActual())

	suspend := Action{Kind: ActionSuspend, UnitID: "101", Desired: DesiredSuspendedVacant}
	assert.Equal(t, ActualSuspended, suspend.TargetActual())
}
