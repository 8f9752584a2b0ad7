package engine

import (
	"context"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/store"
	"github.com/goliatone/go-errors"
	rcron "github.com/robfig/cron/v3"
)

// Janitor purges terminal instance histories past their retention on a cron
// schedule, keeping the store from growing without bound.
type Janitor struct {
	store     store.ExecutionStore
	logger    durable.Logger
	cron      *rcron.Cron
	schedule  string
	retention time.Duration
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorLogger sets the janitor logger.
func WithJanitorLogger(logger durable.Logger) JanitorOption {
	return func(j *Janitor) {
		j.logger = durable.NormalizeLogger(logger)
	}
}

// WithSchedule overrides the cron expression, hourly by default.
func WithSchedule(expression string) JanitorOption {
	return func(j *Janitor) {
		if expression != "" {
			j.schedule = expression
		}
	}
}

// WithRetention overrides how long terminal instances are kept.
func WithRetention(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.retention = d
		}
	}
}

// NewJanitor constructs a stopped janitor; call Start to arm it.
func NewJanitor(st store.ExecutionStore, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		store:     st,
		logger:    durable.NewFmtLogger(nil),
		cron:      rcron.New(),
		schedule:  "@hourly",
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Start registers the purge job and starts the cron loop.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.purge); err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "invalid janitor schedule").
			WithTextCode("ORC_JANITOR_SCHEDULE").
			WithMetadata(map[string]any{"expression": j.schedule})
	}
	j.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for a running purge to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Purge runs one sweep immediately, returning how many instances were
// removed.
func (j *Janitor) Purge(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.retention)
	return j.store.PurgeTerminal(ctx, cutoff)
}

func (j *Janitor) purge() {
	purged, err := j.Purge(context.Background())
	if err != nil {
		j.logger.Error("history purge failed: %v", err)
		return
	}
	if purged > 0 {
		j.logger.Info("purged %d terminal instances", purged)
	}
}
