package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Recorder keeps every achievement and dead letter it receives. Err, when set, is
// returned from every call.
type Recorder struct {
	mu           sync.Mutex
	achievements []Achievement
	deadLetters  []DeadLetter
	Err          error
}

func (r *Recorder) Award(_ context.Context, a Achievement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.achievements = append(r.achievements, a)
	return nil
}

func (r *Recorder) Publish(_ context.Context, d DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.deadLetters = append(r.deadLetters, d)
	return nil
}

func (r *Recorder) Achievements() []Achievement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Achievement(nil), r.achievements...)
}

func (r *Recorder) DeadLetters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeadLetter(nil), r.deadLetters...)
}

// LogSink is used when no broker is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Award(ctx context.Context, a Achievement) error {
	l.logger().InfoContext(ctx, "tier achieved",
		"earner_id", a.EarnerID,
		"tier", a.Tier,
		"previous_tier", a.PreviousTier,
		"monthly_sales", a.MonthlySales,
	)
	return nil
}

func (l LogSink) Publish(ctx context.Context, d DeadLetter) error {
	l.logger().ErrorContext(ctx, "event dead-lettered",
		"source", d.Source,
		"kind", d.Kind,
		"key", d.Key,
		"error", d.Error,
	)
	return nil
}

func (l LogSink) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
