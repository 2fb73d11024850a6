// Package events carries engine notifications to logs, the API stream and tests.
package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type Type string

const (
	StopLossConfigured    Type = "stoploss_configured"
	StopLossRemoved       Type = "stoploss_removed"
	StopLossExecuted      Type = "stoploss_executed"
	IcebergConfigured     Type = "iceberg_configured"
	IcebergRemoved        Type = "iceberg_removed"
	ChunkRevealed         Type = "chunk_revealed"
	ChunkFilled           Type = "chunk_filled"
	IcebergCompleted      Type = "iceberg_completed"
	OCOConfigured         Type = "oco_configured"
	OCORemoved            Type = "oco_removed"
	OCOExecuted           Type = "oco_executed"
	CancellationRequested Type = "cancellation_requested"
	CancellationProcessed Type = "cancellation_processed"
	CancellationFailed    Type = "cancellation_failed"
)

// Event is keyed by the order hash or OCO id it concerns.
type Event struct {
	Type      Type           `json:"type"`
	Key       common.Hash    `json:"key"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp uint64         `json:"timestamp"`
}

type Emitter interface {
	Emit(e Event)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Emit(Event) {}

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

// LogSink returns a subscriber that writes each event to logger.
func LogSink(logger *zap.Logger) func(Event) {
	sugar := logger.Sugar()
	return func(e Event) {
		sugar.Infow(string(e.Type), "key", e.Key.Hex(), "ts", e.Timestamp, "data", e.Data)
	}
}

// Recorder keeps every event, for tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}

var (
	_ Emitter = Nop{}
	_ Emitter = (*Bus)(nil)
	_ Emitter = (*Recorder)(nil)
)
