package coordinator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punchctl/internal/model"
)

var allTypes = []model.NATType{
	model.NATUnknown,
	model.NATFullCone,
	model.NATRestrictedCone,
	model.NATPortRestrictedCone,
	model.NATSymmetric,
}

func member(nat model.NATType, joined time.Time, seq uint64) Member {
	return Member{ClientID: uuid.New(), NATType: nat, JoinedAt: joined, Seq: seq}
}

func TestDecideRoles_Table(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		a, b        model.NATType
		aActive     bool
		bActive     bool
		unsupported bool
		description string
	}{
		{model.NATFullCone, model.NATRestrictedCone, false, true, false, "full cone stays passive"},
		{model.NATFullCone, model.NATPortRestrictedCone, false, true, false, "full cone stays passive"},
		{model.NATFullCone, model.NATSymmetric, false, true, false, "full cone stays passive"},
		{model.NATRestrictedCone, model.NATRestrictedCone, true, true, false, "both restricted act"},
		{model.NATRestrictedCone, model.NATPortRestrictedCone, true, true, false, "both restricted act"},
		{model.NATPortRestrictedCone, model.NATPortRestrictedCone, true, true, false, "both restricted act"},
		{model.NATRestrictedCone, model.NATSymmetric, true, false, false, "restricted side acts"},
		{model.NATPortRestrictedCone, model.NATSymmetric, false, false, true, "port restricted vs symmetric"},
		{model.NATSymmetric, model.NATSymmetric, false, false, true, "symmetric pair"},
		{model.NATUnknown, model.NATSymmetric, false, false, true, "unknown counts as symmetric"},
		{model.NATUnknown, model.NATRestrictedCone, false, true, false, "unknown counts as symmetric"},
	}
	for _, tc := range cases {
		d := DecideRoles(member(tc.a, t0, 1), member(tc.b, t0.Add(time.Second), 2))
		assert.Equal(t, tc.aActive, d.AActive, "%s/%s: %s", tc.a, tc.b, tc.description)
		assert.Equal(t, tc.bActive, d.BActive, "%s/%s: %s", tc.a, tc.b, tc.description)
		if tc.unsupported {
			assert.ErrorIs(t, d.Err, ErrUnsupportedPair, "%s/%s", tc.a, tc.b)
		} else {
			assert.NoError(t, d.Err, "%s/%s", tc.a, tc.b)
		}
	}
}

func TestDecideRoles_SymmetricUnderSwap(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, ta := range allTypes {
		for _, tb := range allTypes {
			a := member(ta, t0, 1)
			b := member(tb, t0.Add(time.Minute), 2)

			ab := DecideRoles(a, b)
			ba := DecideRoles(b, a)
			assert.Equal(t, ab.AActive, ba.BActive, "%s/%s", ta, tb)
			assert.Equal(t, ab.BActive, ba.AActive, "%s/%s", ta, tb)
			assert.Equal(t, ab.Err == nil, ba.Err == nil, "%s/%s", ta, tb)
			if ab.Err == nil {
				assert.True(t, ab.AActive || ab.BActive, "supported pair %s/%s needs an initiator", ta, tb)
			}
		}
	}
}

func TestDecideRoles_FullConePairPicksLaterJoiner(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	early := member(model.NATFullCone, t0, 1)
	late := member(model.NATFullCone, t0.Add(time.Second), 2)

	d := DecideRoles(early, late)
	require.NoError(t, d.Err)
	assert.False(t, d.AActive)
	assert.True(t, d.BActive)
	assert.Equal(t, d, DecideRoles(late, early).Swap())

	// Same tick: registration order breaks the tie.
	first := member(model.NATFullCone, t0, 7)
	second := member(model.NATFullCone, t0, 8)
	d = DecideRoles(second, first)
	assert.True(t, d.AActive)
	assert.False(t, d.BActive)
}
