package reconcile

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mehmetymw/cdcfed/internal/types"
)

type State string

const (
	StateInSync  State = "in_sync"
	StateDrifted State = "drifted"
	StateUnknown State = "unknown"
)

// Report describes one partition of one table in one sink.
type Report struct {
	ID             string         `json:"id"`
	Sink           types.SinkKind `json:"sink"`
	Table          string         `json:"table"`
	Partition      int            `json:"partition"`
	SourceHash     string         `json:"source_hash,omitempty"`
	SinkHash       string         `json:"sink_hash,omitempty"`
	MismatchedKeys []string       `json:"mismatched_keys,omitempty"`
	State          State          `json:"state"`
	Error          string         `json:"error,omitempty"`
	Repaired       bool           `json:"repaired,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// ReportLog appends reports as JSON lines. Existing lines are never
// rewritten.
type ReportLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func OpenReportLog(path string) (*ReportLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &ReportLog{f: f, path: path}, nil
}

func (l *ReportLog) Append(reports ...Report) error {
	if len(reports) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w := bufio.NewWriter(l.f)
	enc := json.NewEncoder(w)
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *ReportLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadReports loads every report of a log file in append order.
func ReadReports(path string) ([]Report, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Report
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r Report
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
