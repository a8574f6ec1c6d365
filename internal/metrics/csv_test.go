package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"punchctl/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "samples", "sessions.csv")

	s1 := model.Sample{Timestamp: time.Unix(1, 0).UTC(), ClientID: "c1", PeerID: "p1", Event: EventEstablished}
	s2 := model.Sample{Timestamp: time.Unix(2, 0).UTC(), ClientID: "c1", PeerID: "p2", Event: EventExpired}

	if err := AppendCSV(path, []model.Sample{s1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.Sample{s2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}
}

func TestReadCSV_ReadsWhatWasWritten(t *testing.T) {
	t.Parallel()

	in := []model.Sample{{
		Timestamp:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ClientID:           "c1",
		PeerID:             "p1",
		Event:              EventEstablished,
		LocalNAT:           "symmetric",
		PeerNAT:            "full_cone",
		PeerEndpoint:       "198.51.100.1:1000",
		PublicEndpoint:     "192.0.2.9:40001",
		EstablishMs:        412.5,
		HeartbeatsSent:     3,
		HeartbeatsReceived: 2,
	}}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	out, err := readCSV(&buf)
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("got %+v", out)
	}
}

func TestReadCSV_RejectsShortRecord(t *testing.T) {
	t.Parallel()

	if _, err := readCSV(strings.NewReader("2024-05-01T12:00:00Z,c1\n")); err == nil {
		t.Fatal("expected error")
	}
}
