package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

// Row is the analytics record written for each event
type Row struct {
	Type   string    `bigquery:"type"`
	At     time.Time `bigquery:"at"`
	Fields string    `bigquery:"fields"`
}

// RowWriter persists batches of rows, e.g. a BigQuery table inserter
type RowWriter interface {
	Write(ctx context.Context, rows []*Row) error
}

// Batcher buffers events and writes them in batches so Emit never waits on the network.
// Flush must be called (or Run started) to deliver buffered rows.
type Batcher struct {
	writer    RowWriter
	batchSize int

	mu      sync.Mutex
	pending []*Row
}

func NewBatcher(writer RowWriter, batchSize int) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Batcher{writer: writer, batchSize: batchSize}
}

func (b *Batcher) Emit(ctx context.Context, ev model.Event) {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		logging.From(ctx).Warn("failed to encode event fields", "error", err, "event", ev.Type)
		fields = []byte("{}")
	}

	b.mu.Lock()
	b.pending = append(b.pending, &Row{Type: string(ev.Type), At: ev.At, Fields: string(fields)})
	b.mu.Unlock()
}

// Flush writes every buffered row. Rows of a failed batch are dropped and logged.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	rows := b.pending
	b.pending = nil
	b.mu.Unlock()

	for start := 0; start < len(rows); start += b.batchSize {
		end := min(start+b.batchSize, len(rows))
		if err := b.writer.Write(ctx, rows[start:end]); err != nil {
			logging.From(ctx).Error("failed to write event rows", "error", err, "dropped", len(rows)-start)
			return err
		}
	}
	return nil
}

// Run flushes periodically until ctx is done, then flushes once more
func (b *Batcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = b.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			_ = b.Flush(ctx)
		}
	}
}
