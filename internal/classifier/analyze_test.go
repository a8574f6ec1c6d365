package classifier

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punchctl/internal/model"
	"punchctl/internal/wire"
)

func ob(l Label, ep string) Observation {
	return Observation{Label: l, Observed: netip.MustParseAddrPort(ep)}
}

func TestAnalyzeCone_Table(t *testing.T) {
	t.Parallel()

	const ep = "203.0.113.7:40001"
	cases := []struct {
		name   string
		labels []Label
		want   model.NATType
	}{
		{"nothing", nil, model.NATUnknown},
		{"primary port only", []Label{PrimaryPrimary}, model.NATPortRestrictedCone},
		{"primary host both ports", []Label{PrimaryPrimary, PrimarySecondary}, model.NATRestrictedCone},
		{"all four", []Label{PrimaryPrimary, PrimarySecondary, SecondaryPrimary, SecondarySecondary}, model.NATFullCone},
		{"secondary only", []Label{SecondaryPrimary, SecondarySecondary}, model.NATUnknown},
		{"three of four", []Label{PrimaryPrimary, PrimarySecondary, SecondaryPrimary}, model.NATUnknown},
		{"alternate port only", []Label{PrimarySecondary}, model.NATUnknown},
	}
	for _, tc := range cases {
		obs := make([]Observation, 0, len(tc.labels))
		for _, l := range tc.labels {
			obs = append(obs, ob(l, ep))
		}
		assert.Equal(t, tc.want, AnalyzeCone(obs), tc.name)
	}
}

func TestAnalyzeCone_MonotonicInReplies(t *testing.T) {
	t.Parallel()

	const ep = "203.0.113.7:40001"
	restrictiveness := map[model.NATType]int{
		model.NATFullCone:           1,
		model.NATRestrictedCone:     2,
		model.NATPortRestrictedCone: 3,
	}

	chain := []Label{PrimaryPrimary, PrimarySecondary, SecondaryPrimary, SecondarySecondary}
	prev := 0
	for _, n := range []int{1, 2, 4} {
		var obs []Observation
		for _, l := range chain[:n] {
			obs = append(obs, ob(l, ep))
		}
		// Duplicates never change the outcome.
		obs = append(obs, obs...)
		got := AnalyzeCone(obs)
		rank, ok := restrictiveness[got]
		require.True(t, ok, "n=%d got %s", n, got)
		if prev != 0 {
			assert.Less(t, rank, prev, "n=%d got %s", n, got)
		}
		prev = rank
	}
}

func TestAnalyzeSymmetric_DistinctPorts(t *testing.T) {
	t.Parallel()

	same := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.7:40001"),
		ob(SecondaryPrimary, "203.0.113.7:40001"),
		ob(SecondarySecondary, "203.0.113.7:40001"),
	}
	v := AnalyzeSymmetric(same)
	assert.Equal(t, Verdict{Type: model.NATPortRestrictedCone}, v)

	distinct := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.7:40002"),
		ob(SecondaryPrimary, "203.0.113.7:40003"),
		ob(SecondarySecondary, "203.0.113.7:40004"),
	}
	v = AnalyzeSymmetric(distinct)
	assert.Equal(t, model.NATSymmetric, v.Type)
	assert.False(t, v.Retry)

	multiIP := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.8:40001"),
		ob(SecondaryPrimary, "203.0.113.7:40001"),
		ob(SecondarySecondary, "203.0.113.7:40001"),
	}
	v = AnalyzeSymmetric(multiIP)
	assert.Equal(t, model.NATUnknown, v.Type)
	assert.False(t, v.Retry)
	assert.NoError(t, v.Err)
}

func TestAnalyzeSymmetric_TwoPorts(t *testing.T) {
	t.Parallel()

	reused := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.7:40009"),
		ob(SecondaryPrimary, "203.0.113.7:40009"),
		ob(SecondarySecondary, "203.0.113.7:40009"),
	}
	v := AnalyzeSymmetric(reused)
	assert.Equal(t, model.NATPortRestrictedCone, v.Type)
	assert.False(t, v.Retry)

	split := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.7:40001"),
		ob(SecondaryPrimary, "203.0.113.7:40009"),
		ob(SecondarySecondary, "203.0.113.7:40009"),
	}
	assert.True(t, AnalyzeSymmetric(split).Retry)

	three := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.7:40002"),
		ob(SecondaryPrimary, "203.0.113.7:40003"),
		ob(SecondarySecondary, "203.0.113.7:40003"),
	}
	assert.True(t, AnalyzeSymmetric(three).Retry)
}

func TestAnalyzeSymmetric_MissingReplies(t *testing.T) {
	t.Parallel()

	partial := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(SecondarySecondary, "203.0.113.7:40001"),
	}
	v := AnalyzeSymmetric(partial)
	assert.True(t, v.Retry)
	assert.NoError(t, v.Err)

	noSecondary := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.7:40001"),
	}
	v = AnalyzeSymmetric(noSecondary)
	require.Error(t, v.Err)
	assert.True(t, errors.Is(v.Err, ErrProbeHostDown))
	var hf *HostFailureError
	require.ErrorAs(t, v.Err, &hf)
	assert.Equal(t, model.HostSecondary, hf.Host)

	v = AnalyzeSymmetric(nil)
	require.ErrorAs(t, v.Err, &hf)
	assert.Equal(t, model.HostPrimary, hf.Host)
}

func TestPublicEndpoint_PrefersPrimaryHostSecondaryPort(t *testing.T) {
	t.Parallel()

	obs := []Observation{
		ob(PrimaryPrimary, "203.0.113.7:40001"),
		ob(PrimarySecondary, "203.0.113.7:40002"),
	}
	ep, ok := PublicEndpoint(obs)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.7:40002"), ep)

	ep, ok = PublicEndpoint(obs[:1])
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.7:40001"), ep)

	_, ok = PublicEndpoint(nil)
	assert.False(t, ok)
}

func TestObservationFrom_RejectsContradictoryFlags(t *testing.T) {
	t.Parallel()

	_, ok := ObservationFrom(wire.ClassificationResponse{FromPrimaryHost: true, FromSecondaryHost: true}, zeroTime)
	assert.False(t, ok)
	_, ok = ObservationFrom(wire.ClassificationResponse{}, zeroTime)
	assert.False(t, ok)

	o, ok := ObservationFrom(wire.ClassificationResponse{FromSecondaryHost: true, PortRole: model.PortSecondary}, zeroTime)
	require.True(t, ok)
	assert.Equal(t, SecondarySecondary, o.Label)
}
