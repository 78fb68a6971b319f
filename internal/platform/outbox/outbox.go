// Package outbox persists compensating actions that could not be completed
// inline and retries them on a schedule until they succeed or run out of
// attempts.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/booking/internal/platform/recordstore"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
)

const (
	PendingPrefix = "outbox"
	DeadPrefix    = "outbox_dead"
)

// Entry is one queued compensating action.
type Entry struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Handler performs the action described by payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the entry is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// DrainReport summarises one pass over the pending entries.
type DrainReport struct {
	Done    int `json:"done"`
	Retried int `json:"retried"`
	Dead    int `json:"dead"`
}

type Options struct {
	MaxAttempts int
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
}

type Outbox struct {
	store       recordstore.Store
	maxAttempts int
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	// drainMu keeps scheduled and manual drains from overlapping.
	drainMu sync.Mutex
}

func New(store recordstore.Store, opts Options) *Outbox {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	return &Outbox{
		store:       store,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger.With().Str("component", "outbox").Logger(),
		metrics:     opts.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
		handlers:    make(map[string]Handler),
	}
}

// Handle registers the handler for kind, replacing any previous one.
func (o *Outbox) Handle(kind string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[kind] = h
}

func (o *Outbox) handler(kind string) (Handler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[kind]
	return h, ok
}

// Enqueue persists a new entry of kind with payload marshalled to JSON.
func (o *Outbox) Enqueue(ctx context.Context, kind string, payload interface{}) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	now := o.now()
	e := &Entry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.put(ctx, PendingPrefix, e); err != nil {
		return nil, err
	}
	o.logger.Info().Str("entry_id", e.ID).Str("kind", kind).Msg("compensation queued")
	return e, nil
}

func (o *Outbox) put(ctx context.Context, prefix string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	return o.store.Put(ctx, recordstore.Join(prefix, e.ID), raw)
}

func (o *Outbox) list(ctx context.Context, prefix string) ([]Entry, error) {
	recs, err := o.store.Snapshot(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		var e Entry
		if err := r.Decode(&e); err != nil {
			o.logger.Warn().Err(err).Str("path", r.Path).Msg("skipping unreadable outbox entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Pending lists entries still waiting to be retried, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	return o.list(ctx, PendingPrefix)
}

// Dead lists entries that exhausted their attempts.
func (o *Outbox) Dead(ctx context.Context) ([]Entry, error) {
	return o.list(ctx, DeadPrefix)
}

// Drain runs every pending entry through its handler once.
func (o *Outbox) Drain(ctx context.Context) (DrainReport, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	var report DrainReport
	entries, err := o.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending entries: %w", err)
	}

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e := &entries[i]
		switch result, err := o.process(ctx, e); {
		case err != nil:
			return report, err
		case result == "done":
			report.Done++
		case result == "dead":
			report.Dead++
		default:
			report.Retried++
		}
	}

	o.metrics.ObserveOutbox("done", report.Done)
	o.metrics.ObserveOutbox("retry", report.Retried)
	o.metrics.ObserveOutbox("dead", report.Dead)
	o.metrics.SetOutboxPending(report.Retried)

	if len(entries) > 0 {
		o.logger.Info().
			Int("done", report.Done).
			Int("retried", report.Retried).
			Int("dead", report.Dead).
			Msg("outbox drained")
	}
	return report, nil
}

// process returns "done", "retry" or "dead". A non-nil error means the store
// itself failed and draining should stop.
func (o *Outbox) process(ctx context.Context, e *Entry) (string, error) {
	path := recordstore.Join(PendingPrefix, e.ID)

	var herr error
	if h, ok := o.handler(e.Kind); ok {
		herr = h(ctx, e.Payload)
	} else {
		herr = Permanent(fmt.Errorf("no handler registered for kind %q", e.Kind))
	}

	if herr == nil {
		if err := o.store.Delete(ctx, path); err != nil {
			return "", fmt.Errorf("remove completed entry %s: %w", e.ID, err)
		}
		o.logger.Info().Str("entry_id", e.ID).Str("kind", e.Kind).Int("attempts", e.Attempts+1).Msg("compensation applied")
		return "done", nil
	}

	e.Attempts++
	e.LastError = herr.Error()
	e.UpdatedAt = o.now()

	if e.Attempts < o.maxAttempts && !isPermanent(herr) {
		if err := o.put(ctx, PendingPrefix, e); err != nil {
			return "", fmt.Errorf("update entry %s: %w", e.ID, err)
		}
		o.logger.Warn().Err(herr).Str("entry_id", e.ID).Str("kind", e.Kind).Int("attempts", e.Attempts).Msg("compensation failed, will retry")
		return "retry", nil
	}

	if err := o.put(ctx, DeadPrefix, e); err != nil {
		return "", fmt.Errorf("dead-letter entry %s: %w", e.ID, err)
	}
	if err := o.store.Delete(ctx, path); err != nil {
		return "", fmt.Errorf("remove dead entry %s: %w", e.ID, err)
	}
	o.logger.Error().Err(herr).Str("entry_id", e.ID).Str("kind", e.Kind).Int("attempts", e.Attempts).Msg("compensation abandoned")
	return "dead", nil
}

// Run drains the outbox on the given cron schedule (e.g. "@every 30s") until
// ctx is cancelled, then waits for a running drain to finish.
func (o *Outbox) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		if _, err := o.Drain(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("outbox drain failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid outbox schedule %q: %w", schedule, err)
	}

	o.logger.Info().Str("schedule", schedule).Msg("outbox scheduler started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	o.logger.Info().Msg("outbox scheduler stopped")
	return nil
}
