package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Dispatcher runs each event on its own goroutine, at most limit at a time. SubmitRaw
// blocks while the limit is reached.
type Dispatcher struct {
	ingestor *Ingestor
	group    errgroup.Group
	limit    int
}

func NewDispatcher(ingestor *Ingestor, limit int) *Dispatcher {
	if limit <= 0 {
		limit = 1
	}
	d := &Dispatcher{ingestor: ingestor, limit: limit}
	d.group.SetLimit(limit)
	return d
}

// RawEvent is an undecoded payload plus the event type to assume when it names none.
type RawEvent struct {
	FallbackType string
	Payload      []byte
}

// HandleRawBatch handles a batch with the dispatcher's concurrency limit and returns once
// every event is handled or dead-lettered.
func (d *Dispatcher) HandleRawBatch(ctx context.Context, source string, batch []RawEvent) {
	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, ev := range batch {
		g.Go(func() error {
			_ = d.ingestor.HandleRaw(context.WithoutCancel(ctx), source, ev.FallbackType, ev.Payload)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) SubmitRaw(ctx context.Context, source, fallbackType string, payload []byte) {
	d.group.Go(func() error {
		_ = d.ingestor.HandleRaw(context.WithoutCancel(ctx), source, fallbackType, payload)
		return nil
	})
}

// Wait blocks until every submitted event has been handled.
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}
