package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATType_TextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, nat := range []NATType{NATUnknown, NATFullCone, NATRestrictedCone, NATPortRestrictedCone, NATSymmetric} {
		text, err := nat.MarshalText()
		require.NoError(t, err)

		var got NATType
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, nat, got)
	}
}

func TestParseNATType_Lenient(t *testing.T) {
	t.Parallel()

	got, err := ParseNATType(" Port-Restricted-Cone ")
	require.NoError(t, err)
	assert.Equal(t, NATPortRestrictedCone, got)

	got, err = ParseNATType("")
	require.NoError(t, err)
	assert.Equal(t, NATUnknown, got)

	_, err = ParseNATType("cone-ish")
	assert.Error(t, err)
}

func TestNATType_Predicates(t *testing.T) {
	t.Parallel()

	assert.False(t, NATUnknown.Known())
	assert.True(t, NATSymmetric.Known())
	assert.False(t, NATType(42).Known())
	assert.True(t, NATRestrictedCone.Restricted())
	assert.True(t, NATPortRestrictedCone.Restricted())
	assert.False(t, NATFullCone.Restricted())

	_, err := NATType(42).MarshalText()
	assert.Error(t, err)
}
