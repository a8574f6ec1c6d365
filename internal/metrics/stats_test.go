package metrics

import (
	"testing"
	"time"

	"punchctl/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.Sample{
		{Timestamp: now.Add(-2 * time.Hour), PeerID: "old", Event: EventEstablished, EstablishMs: 9000},
		{Timestamp: now.Add(-10 * time.Second), PeerID: "p1", Event: EventEstablished, LocalNAT: "full_cone", PeerNAT: "restricted_cone", EstablishMs: 100},
		{Timestamp: now.Add(-8 * time.Second), PeerID: "p2", Event: EventEstablished, LocalNAT: "full_cone", PeerNAT: "restricted_cone", EstablishMs: 300},
		{Timestamp: now.Add(-6 * time.Second), PeerID: "p3", Event: EventExpired},
		{Timestamp: now.Add(-5 * time.Second), PeerID: "p2", Event: EventEndpointCorrected},
		{Timestamp: now.Add(-4 * time.Second), Event: EventConsistencyMismatch},
	}
	s := Summarize(items, now.Add(-1*time.Minute))
	if s.Count != 5 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.Established != 2 || s.Expired != 1 || s.ExpiredSilent != 1 {
		t.Fatalf("established=%d expired=%d silent=%d", s.Established, s.Expired, s.ExpiredSilent)
	}
	if s.Corrections != 1 || s.Mismatches != 1 {
		t.Fatalf("corrections=%d mismatches=%d", s.Corrections, s.Mismatches)
	}
	if s.Peers != 3 {
		t.Fatalf("peers=%d", s.Peers)
	}
	if s.AvgEstablishMs != 200 {
		t.Fatalf("avg=%.2f", s.AvgEstablishMs)
	}
	if s.MinEstablishMs != 100 || s.MaxEstablishMs != 300 {
		t.Fatalf("min/max=%.2f/%.2f", s.MinEstablishMs, s.MaxEstablishMs)
	}
	if s.P95EstablishMs != 300 {
		t.Fatalf("p95=%.2f", s.P95EstablishMs)
	}
	if s.ByPair["full_cone/restricted_cone"] != 2 {
		t.Fatalf("by_pair=%v", s.ByPair)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	if s := Summarize(nil, time.Time{}); s.Count != 0 || s.Established != 0 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
}
