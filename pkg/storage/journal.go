package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/condorder/pkg/events"
)

// Journal is an append-only audit trail of engine events.
type Journal interface {
	Append(e events.Event)
}

// FileJournal writes one JSON object per line.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(e events.Event) {
	line, err := json.Marshal(e)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"type":%q,"error":%q}`, e.Type, err.Error()))
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, string(line))
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*FileJournal)(nil)
