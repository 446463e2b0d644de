// Package orchestrator is the top-level run loop: it takes the process
// lock, resolves the archive index once, and walks each requested target
// through the Chain Manager in order, one VM at a time.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/vmbackup/internal/archive"
	"github.com/vexxhost/vmbackup/internal/chain"
	"github.com/vexxhost/vmbackup/internal/config"
	"github.com/vexxhost/vmbackup/internal/hypervisor"
	"github.com/vexxhost/vmbackup/internal/imgtool"
	"github.com/vexxhost/vmbackup/internal/joblog"
)

// LockError reports that another instance already holds the run lock.
type LockError struct {
	Path string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("orchestrator: %s is locked by another instance", e.Path)
}

// Options configures one invocation of Run.
type Options struct {
	BackupDir string
	LockPath  string
	Targets   []config.Target
	Chain     chain.Options
}

// Run acquires the process lock, scans the archive directory once, and
// processes every target in order. It returns the first fatal error, but
// always finishes processing every target first: a failure on one VM is
// logged and does not stop the others.
func Run(ctx context.Context, hv *hypervisor.Hypervisor, tool *imgtool.Tool, opts Options) error {
	lock := flock.New(opts.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lock %s: %w", opts.LockPath, err)
	}
	if !locked {
		return &LockError{Path: opts.LockPath}
	}
	defer lock.Unlock()

	idx, err := archive.Scan(opts.BackupDir)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	tracker := joblog.New(nil)
	manager := &chain.Manager{Hypervisor: hv, Tool: tool, Index: idx}

	var firstErr error
	for _, target := range opts.Targets {
		jobCtx, _ := tracker.StartJob(ctx, "backup", target.Domain)
		runErr := tracker.RunStep(jobCtx, "chain-manager", func(stepCtx context.Context) error {
			return manager.Run(stepCtx, target.Domain, target.Drives, opts.Chain)
		})
		tracker.EndJob(jobCtx, "backup", target.Domain, runErr)

		if runErr != nil {
			log.WithFields(log.Fields{"domain": target.Domain, "error": runErr}).Error("backup failed, continuing with remaining targets")
			if firstErr == nil {
				firstErr = runErr
			}
		}
	}
	return firstErr
}
