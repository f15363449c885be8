package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/peatmoor/basinflow/internal/domain"
)

// RejectWriter receives every rejected row for the durable post-run report.
type RejectWriter interface {
	Write(row domain.RejectedRow) error
	Close() error
}

// FileRejectLog writes rejected rows as JSON lines to a per-run file.
type FileRejectLog struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	Path string
}

// NewFileRejectLog creates the log directory if needed and opens a new
// timestamped reject log for one ingestion run.
func NewFileRejectLog(dir string) (*FileRejectLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reject log dir: %w", err)
	}
	name := fmt.Sprintf("ingest_rejects_%s.jsonl", domain.Now().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create reject log: %w", err)
	}
	return &FileRejectLog{f: f, enc: json.NewEncoder(f), Path: path}, nil
}

func (l *FileRejectLog) Write(row domain.RejectedRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(row)
}

func (l *FileRejectLog) Close() error {
	return l.f.Close()
}

// DiscardRejects drops rejected rows; counts in the Summary still accumulate.
type DiscardRejects struct{}

func (DiscardRejects) Write(domain.RejectedRow) error { return nil }
func (DiscardRejects) Close() error                   { return nil }
