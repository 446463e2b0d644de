// Package joblog gives an operator a debuggable trace of which step ran
// against which domain/drive, for a tool with no backing database: the
// archive directory is the only persistent state, so this package only
// needs to log a trace, not keep a queryable job history.
//
// Grounded on sendense-backup-client/internal/joblog/tracker.go's
// StartJob/RunStep/Logger shape, with the sql.DB-backed job_tracking and
// job_steps tables removed and slog swapped for the rest of this module's
// logrus usage.
package joblog

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

type ctxKey int

const (
	jobIDKey ctxKey = iota
	stepKey
)

// Tracker times and logs a run's steps. The zero value is not usable;
// construct with New.
type Tracker struct {
	logger *log.Logger
}

// New builds a Tracker that logs through logger, or logrus's standard
// logger if nil.
func New(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tracker{logger: logger}
}

// StartJob assigns a run ID, attaches it to ctx, and logs the start of
// processing one target.
func (t *Tracker) StartJob(ctx context.Context, operation, domain string) (context.Context, string) {
	jobID := uuid.New().String()
	ctx = context.WithValue(ctx, jobIDKey, jobID)
	t.Logger(ctx).WithFields(log.Fields{"operation": operation, "domain": domain}).Info("job started")
	return ctx, jobID
}

// EndJob logs a run's outcome.
func (t *Tracker) EndJob(ctx context.Context, operation, domain string, err error) {
	entry := t.Logger(ctx).WithFields(log.Fields{"operation": operation, "domain": domain})
	if err != nil {
		entry.WithField("error", err).Error("job failed")
		return
	}
	entry.Info("job completed")
}

// RunStep logs a step's start and end, times it, and recovers a panic
// inside fn into a returned error rather than crashing the process.
func (t *Tracker) RunStep(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	stepCtx := context.WithValue(ctx, stepKey, name)
	logger := t.Logger(stepCtx)
	logger.Info("step started")
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step %s: %v", name, r)
		}
		done := logger.WithField("duration", time.Since(start))
		if err != nil {
			done.WithField("error", err).Error("step failed")
		} else {
			done.Info("step completed")
		}
	}()

	return fn(stepCtx)
}

// Logger returns a logrus entry carrying whatever job/step identifiers ctx
// holds.
func (t *Tracker) Logger(ctx context.Context) *log.Entry {
	entry := log.NewEntry(t.logger)
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		entry = entry.WithField("job_id", jobID)
	}
	if step, ok := ctx.Value(stepKey).(string); ok && step != "" {
		entry = entry.WithField("step", step)
	}
	return entry
}
