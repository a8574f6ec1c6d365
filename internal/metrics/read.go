package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"punchctl/internal/model"
)

// ReadCSV loads samples from a CSV file.
func ReadCSV(path string) ([]model.Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Sample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.Sample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		establish, _ := strconv.ParseFloat(rec[8], 64)
		sent, _ := strconv.Atoi(rec[9])
		received, _ := strconv.Atoi(rec[10])
		items = append(items, model.Sample{
			Timestamp:          ts,
			ClientID:           rec[1],
			PeerID:             rec[2],
			Event:              rec[3],
			LocalNAT:           rec[4],
			PeerNAT:            rec[5],
			PeerEndpoint:       rec[6],
			PublicEndpoint:     rec[7],
			EstablishMs:        establish,
			HeartbeatsSent:     sent,
			HeartbeatsReceived: received,
		})
	}

	return items, nil
}
