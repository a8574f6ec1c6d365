package metrics

import (
	"math"
	"sort"
	"time"

	"punchctl/internal/model"
)

// Sample event names.
const (
	EventEstablished         = "established"
	EventEndpointCorrected   = "endpoint_corrected"
	EventExpired             = "expired"
	EventConsistencyMismatch = "consistency_mismatch"
)

// Summary is a basic statistics snapshot.
type Summary struct {
	Count          int
	From           time.Time
	To             time.Time
	Established    int
	Expired        int
	// ExpiredSilent counts expired sessions that never heard a heartbeat.
	ExpiredSilent  int
	Corrections    int
	Mismatches     int
	Peers          int
	AvgEstablishMs float64
	P95EstablishMs float64
	MinEstablishMs float64
	MaxEstablishMs float64
	// ByPair counts established sessions per "local_nat/peer_nat".
	ByPair         map[string]int
}

// Summarize computes summary metrics for samples in a time window.
func Summarize(items []model.Sample, since time.Time) Summary {
	filtered := make([]model.Sample, 0, len(items))
	for _, s := range items {
		if s.Timestamp.After(since) || s.Timestamp.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	out := Summary{
		Count:  len(filtered),
		From:   filtered[0].Timestamp,
		To:     filtered[0].Timestamp,
		ByPair: make(map[string]int),
	}
	values := make([]float64, 0, len(filtered))
	peers := make(map[string]bool)
	var sum float64
	minMs := math.MaxFloat64

	for _, s := range filtered {
		if s.Timestamp.Before(out.From) {
			out.From = s.Timestamp
		}
		if s.Timestamp.After(out.To) {
			out.To = s.Timestamp
		}
		if s.PeerID != "" {
			peers[s.PeerID] = true
		}

		switch s.Event {
		case EventEstablished:
			out.Established++
			out.ByPair[s.LocalNAT+"/"+s.PeerNAT]++
			values = append(values, s.EstablishMs)
			sum += s.EstablishMs
			if s.EstablishMs < minMs {
				minMs = s.EstablishMs
			}
			if s.EstablishMs > out.MaxEstablishMs {
				out.MaxEstablishMs = s.EstablishMs
			}
		case EventExpired:
			out.Expired++
			if s.HeartbeatsReceived == 0 {
				out.ExpiredSilent++
			}
		case EventEndpointCorrected:
			out.Corrections++
		case EventConsistencyMismatch:
			out.Mismatches++
		}
	}
	out.Peers = len(peers)

	if len(values) > 0 {
		sort.Float64s(values)
		out.AvgEstablishMs = sum / float64(len(values))
		out.P95EstablishMs = percentile(values, 0.95)
		out.MinEstablishMs = minMs
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
