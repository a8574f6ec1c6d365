// Package metrics records client session samples as CSV and summarizes them.
package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"punchctl/internal/model"
)

var header = []string{
	"timestamp",
	"client_id",
	"peer_id",
	"event",
	"local_nat",
	"peer_nat",
	"peer_endpoint",
	"public_endpoint",
	"establish_ms",
	"heartbeats_sent",
	"heartbeats_received",
}

// WriteCSV writes samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Sample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	return writeRecords(writer, items)
}

// AppendCSV appends samples to path, writing the header when the file is new
// or empty.
func AppendCSV(path string, items []model.Sample) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	return writeRecords(writer, items)
}

func writeRecords(writer *csv.Writer, items []model.Sample) error {
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.ClientID,
			s.PeerID,
			s.Event,
			s.LocalNAT,
			s.PeerNAT,
			s.PeerEndpoint,
			s.PublicEndpoint,
			strconv.FormatFloat(s.EstablishMs, 'f', 3, 64),
			strconv.Itoa(s.HeartbeatsSent),
			strconv.Itoa(s.HeartbeatsReceived),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
