// Package oplog appends fleet operation records to an audit CSV.
// Records are append-only; whoever runs an operation logs it.
package oplog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vpnfleet/internal/model"
)

var header = []string{
	"id",
	"server_name",
	"operation",
	"status",
	"message",
	"details",
	"started_at",
	"completed_at",
	"duration_sec",
}

// Log appends operation records to one CSV file. Appends are
// serialized so concurrent fleet tasks never interleave rows.
type Log struct {
	path string
	mu   sync.Mutex
}

// New creates a log writing to path. An empty path disables logging;
// Append becomes a no-op.
func New(path string) *Log {
	return &Log{path: path}
}

// Append writes one completed (or pending) record.
func (l *Log) Append(op *model.ServerOperation) error {
	if l == nil || l.path == "" || op == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}

	info, err := os.Stat(l.path)
	writeHeader := err != nil || info.Size() == 0

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.Write(record(op)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func record(op *model.ServerOperation) []string {
	completed := ""
	if !op.CompletedAt.IsZero() {
		completed = op.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		op.ID,
		op.ServerName,
		op.Operation,
		op.Status,
		op.Message,
		encodeDetails(op.Details),
		op.StartedAt.UTC().Format(time.RFC3339Nano),
		completed,
		strconv.FormatFloat(op.DurationSec, 'f', 3, 64),
	}
}

// encodeDetails flattens the details map as sorted key=value pairs so
// rows are deterministic.
func encodeDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, details[k]))
	}
	return strings.Join(pairs, ";")
}

// Read parses every record in the log file.
func Read(path string) ([]model.ServerOperation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	var ops []model.ServerOperation
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == "id" {
				continue
			}
		}
		if len(row) < len(header) {
			continue
		}

		op := model.ServerOperation{
			ID:         row[0],
			ServerName: row[1],
			Operation:  row[2],
			Status:     row[3],
			Message:    row[4],
		}
		if ts, err := time.Parse(time.RFC3339Nano, row[6]); err == nil {
			op.StartedAt = ts
		}
		if row[7] != "" {
			if ts, err := time.Parse(time.RFC3339Nano, row[7]); err == nil {
				op.CompletedAt = ts
			}
		}
		if dur, err := strconv.ParseFloat(row[8], 64); err == nil {
			op.DurationSec = dur
		}
		ops = append(ops, op)
	}
	return ops, nil
}
