// Package chain implements the Chain Manager: the per-domain state machine
// that decides, for each drive, whether this run starts a fresh backupset
// (Base mode), takes the next incremental snapshot of the current one
// (Incremental mode), or only promotes the oldest image of the next-finer
// tier into the requested coarser tier without taking a new snapshot
// (Graduation mode).
//
// Grounded on the original tool's vm_backup: walk each drive's live
// snapshot chain to recover {backupset, ordinal}, pick the run's active
// backupset as the maximum across drives, then dispatch on chain length
// and the requested interval.
package chain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/vmbackup/internal/archive"
	"github.com/vexxhost/vmbackup/internal/hypervisor"
	"github.com/vexxhost/vmbackup/internal/imgtool"
	"github.com/vexxhost/vmbackup/internal/namecodec"
	"github.com/vexxhost/vmbackup/internal/retention"
)

// defaultTrimGrace mirrors the original tool's fixed post-fstrim sleep.
const defaultTrimGrace = 240 * time.Second

// Manager drives the backup of one or more drives of one domain.
type Manager struct {
	Hypervisor *hypervisor.Hypervisor
	Tool       *imgtool.Tool
	Index      *archive.Index
}

// drivePlan is the resolved, per-drive state the classify step computed.
type drivePlan struct {
	drive       string
	sourceFile  string // the live image file currently attached to the domain
	backupSet   int
	ordinal     int    // the "nr" recovered from the live chain's archive-named overlay, if any
	backingPath string // sourceFile's backing image, resolved on the live disk directory (only set when pending)
	incomplete  bool
	needsPivot  bool // live chain was found deeper than 2 images and must be collapsed before proceeding
}

// Options configures one backup run.
type Options struct {
	Tiers      []retention.Tier // tiers[0] is the finest/default interval
	Interval   int              // index into Tiers the caller requested; 0 = default
	NewChain   bool
	TrimGrace  time.Duration
	Copy       bool // byte copy instead of qemu-img convert
	Compress   bool // compressed qemu-img convert
	OmitUnsafe bool // pass safe=true to Info instead of the default unsafe (-U) open
}

func (o Options) convertOptions() imgtool.ConvertOptions {
	return imgtool.ConvertOptions{Compress: o.Compress, PlainCopy: o.Copy}
}

func (o Options) trimGrace() time.Duration {
	if o.TrimGrace > 0 {
		return o.TrimGrace
	}
	return defaultTrimGrace
}

// Run executes one backup pass over drives (all of the domain's disks if
// drives is empty).
func (m *Manager) Run(ctx context.Context, domain string, drives []string, opts Options) error {
	blockdevs, err := m.Hypervisor.BlockDevices(domain)
	if err != nil {
		return err
	}
	if len(drives) == 0 {
		for dev := range blockdevs {
			drives = append(drives, dev)
		}
	}

	plans := make([]drivePlan, 0, len(drives))
	activeBackupSet := 0
	for _, dev := range drives {
		source, ok := blockdevs[dev]
		if !ok {
			return fmt.Errorf("chain: domain %s has no block device %q", domain, dev)
		}
		plan, err := m.classify(ctx, domain, dev, source, opts.OmitUnsafe)
		if err != nil {
			return err
		}
		if plan.needsPivot {
			if err := m.Hypervisor.CommitActive(ctx, domain, dev); err != nil {
				return err
			}
			plan.needsPivot = false
		}
		if opts.NewChain {
			plan.incomplete = true
			plan.ordinal = 0
		}
		if plan.backupSet > activeBackupSet {
			activeBackupSet = plan.backupSet
		}
		plans = append(plans, plan)
	}

	freshChain := activeBackupSet == 0 || opts.NewChain
	if freshChain {
		activeBackupSet++
		for i := range plans {
			plans[i].incomplete = true
			plans[i].backupSet = activeBackupSet
		}
	}

	for _, p := range plans {
		if err := m.Index.VerifyDenseOrdinals(domain, p.backupSet, p.drive); err != nil {
			return err
		}
	}

	var incomplete, complete []drivePlan
	for _, p := range plans {
		if p.incomplete {
			incomplete = append(incomplete, p)
		} else {
			complete = append(complete, p)
		}
	}

	if len(incomplete) > 0 {
		if err := m.runBase(ctx, domain, activeBackupSet, incomplete, opts); err != nil {
			return err
		}
	}
	if len(complete) == 0 {
		return nil
	}

	if opts.Interval > 0 {
		return m.runGraduation(ctx, domain, activeBackupSet, complete, opts)
	}
	return m.runIncremental(ctx, domain, activeBackupSet, complete, opts)
}

// classify walks dev's live backing chain (by following qemu-img info's
// reported backing file, via the Image Tool Adapter) to recover which
// backupset and ordinal this tool last left it at. A chain of length 1
// means the drive currently has no pending snapshot (either it has never
// been backed up, or the previous run's commit fully collapsed it back
// down) and needs a fresh base. A chain of exactly 2 means there is a
// pending external snapshot still attached that this run must archive and
// then commit away. A chain longer than 2 means a previous run was
// interrupted after taking a second snapshot without committing the first
// away; the caller must collapse it with an active-pivot commit before
// this drive can proceed through the fresh-base flow.
func (m *Manager) classify(ctx context.Context, domain, drive, sourceFile string, safe bool) (drivePlan, error) {
	depth := 1
	current := sourceFile
	var top, backing string
	for {
		info, err := m.Tool.Info(ctx, current, safe)
		if err != nil {
			return drivePlan{}, err
		}
		if info.BackingFile == "" {
			break
		}
		if depth == 1 {
			top = current
		}
		next := filepath.Join(filepath.Dir(current), info.BackingFile)
		if depth == 1 {
			backing = next
		}
		depth++
		if depth > 2 {
			return drivePlan{drive: drive, sourceFile: sourceFile, incomplete: true, needsPivot: true}, nil
		}
		current = next
	}

	if depth == 1 {
		return drivePlan{drive: drive, sourceFile: sourceFile, incomplete: true}, nil
	}

	gotBackupSet, incr, err := parseOverlayIncrement(filepath.Base(top))
	if err != nil {
		return drivePlan{}, &StateError{Domain: domain, Drive: drive, Reason: "cannot recover backupset/increment from live snapshot filename: " + err.Error()}
	}
	return drivePlan{drive: drive, sourceFile: sourceFile, backupSet: gotBackupSet, ordinal: incr, backingPath: backing}, nil
}

// parseOverlayIncrement recovers the backupset and original increment
// number embedded in a live overlay filename produced by overlayPath,
// e.g. "vm1-vda.b003.i00005.img" -> (3, 5). This is the working-directory
// naming scheme for a not-yet-archived external snapshot, distinct from
// the archive directory's namecodec grammar.
func parseOverlayIncrement(filename string) (backupSet, incr int, err error) {
	trimmed := strings.TrimSuffix(filename, ".img")
	parts := strings.Split(trimmed, ".")
	if len(parts) < 3 {
		return 0, 0, fmt.Errorf("unrecognized overlay filename %q", filename)
	}
	bField, iField := parts[len(parts)-2], parts[len(parts)-1]
	if !strings.HasPrefix(bField, "b") || !strings.HasPrefix(iField, "i") {
		return 0, 0, fmt.Errorf("unrecognized overlay filename %q", filename)
	}
	backupSet, err = strconv.Atoi(bField[1:])
	if err != nil {
		return 0, 0, fmt.Errorf("bad backupset field in %q: %w", filename, err)
	}
	incr, err = strconv.Atoi(iField[1:])
	if err != nil {
		return 0, 0, fmt.Errorf("bad increment field in %q: %w", filename, err)
	}
	return backupSet, incr, nil
}

// runBase takes a disk-only snapshot of every incomplete drive and archives
// each drive's former active image (the one the snapshot just froze) as
// that backupset's base image.
func (m *Manager) runBase(ctx context.Context, domain string, backupSet int, plans []drivePlan, opts Options) error {
	log.WithFields(log.Fields{"domain": domain, "backupset": backupSet}).Info("chain: starting a fresh backupset")

	devs := make([]string, len(plans))
	for i, p := range plans {
		devs[i] = p.drive
	}
	if err := m.Hypervisor.Trim(ctx, domain, opts.trimGrace()); err != nil {
		return err
	}

	snapshots := make([]hypervisor.DiskSnapshot, len(plans))
	names := make([]namecodec.Name, len(plans))
	for i, p := range plans {
		names[i] = namecodec.Base(domain, backupSet, p.drive)
		snapshots[i] = hypervisor.DiskSnapshot{Dev: p.drive, NewFile: overlayPath(p.sourceFile, backupSet, p.ordinal+1)}
	}
	if err := m.Hypervisor.SnapshotDiskOnly(domain, snapshotName(backupSet), devs, snapshots); err != nil {
		return err
	}

	for i, p := range plans {
		name := names[i]
		dst := m.Index.Path(name.String())
		if err := m.Tool.Convert(ctx, p.sourceFile, dst, opts.convertOptions()); err != nil {
			return err
		}
		m.Index.Put(name)
	}
	return nil
}

// runIncremental rotates each drive's finest tier to make room, takes a new
// disk-only snapshot, archives the former active image (the one the
// snapshot just froze) as the next singleton increment, rebases it onto
// its predecessor, and commits the
// live chain's now-stale middle layer away so the domain is left with
// exactly one pending snapshot again.
func (m *Manager) runIncremental(ctx context.Context, domain string, backupSet int, plans []drivePlan, opts Options) error {
	tier := opts.Tiers[0]
	rotator := &retention.Rotator{Tool: m.Tool, Index: m.Index}

	for _, p := range plans {
		if err := rotator.Rotate(ctx, domain, backupSet, p.drive, []retention.Tier{tier}); err != nil {
			return err
		}
	}
	if err := m.Hypervisor.Trim(ctx, domain, opts.trimGrace()); err != nil {
		return err
	}

	devs := make([]string, len(plans))
	for i, p := range plans {
		devs[i] = p.drive
	}

	snapshots := make([]hypervisor.DiskSnapshot, len(plans))
	newNames := make([]namecodec.Name, len(plans))
	for i, p := range plans {
		name := namecodec.Increment(domain, backupSet, p.drive, p.ordinal, tier.Name, 0)
		newNames[i] = name
		snapshots[i] = hypervisor.DiskSnapshot{Dev: p.drive, NewFile: overlayPath(p.sourceFile, backupSet, p.ordinal+1)}
	}
	if err := m.Hypervisor.SnapshotDiskOnly(domain, snapshotName(backupSet), devs, snapshots); err != nil {
		return err
	}

	for i, p := range plans {
		name := newNames[i]
		dst := m.Index.Path(name.String())
		if err := m.Tool.Convert(ctx, p.sourceFile, dst, opts.convertOptions()); err != nil {
			return err
		}

		backing := backingImageName(domain, backupSet, p.drive, tier.Name, m.Index)
		if err := m.Tool.Rebase(ctx, dst, backing); err != nil {
			return err
		}
		m.Index.Put(name)

		if err := m.Hypervisor.CommitBase(ctx, domain, p.drive, p.backingPath, p.sourceFile); err != nil {
			return err
		}
	}
	return nil
}

// runGraduation promotes each drive's oldest image in tiers[Interval-1] into
// an ordinal-0 slot of tiers[Interval], without taking a new snapshot: used
// when the caller explicitly requests a coarser interval than the default.
// The promoted image keeps its i-number; only its tier and ordinal change.
func (m *Manager) runGraduation(ctx context.Context, domain string, backupSet int, plans []drivePlan, opts Options) error {
	if opts.Interval <= 0 || opts.Interval >= len(opts.Tiers) {
		return fmt.Errorf("chain: graduation requires 0 < interval < len(tiers)")
	}
	fromTier := opts.Tiers[opts.Interval-1]
	toTier := opts.Tiers[opts.Interval]
	rotator := &retention.Rotator{Tool: m.Tool, Index: m.Index}

	for _, p := range plans {
		driveChain := m.Index.Drive(domain, backupSet, p.drive)
		if driveChain == nil {
			continue
		}
		ordinals := driveChain.Ordinals(fromTier.Name)
		// Fewer than two images means there is nothing yet ready to
		// graduate: either the tier has never been populated, or its only
		// image still needs to stay put to receive the next rotation.
		if len(ordinals) < 2 {
			continue
		}
		oldest := ordinals[len(ordinals)-1]
		file := driveChain.File(fromTier.Name, oldest)
		name, err := namecodec.Parse(file)
		if err != nil {
			return fmt.Errorf("chain: %w", err)
		}

		graduated := name
		graduated.Interval = toTier.Name
		graduated.Ordinal = 0

		if driveChain.File(toTier.Name, 0) != "" {
			if err := rotator.Rotate(ctx, domain, backupSet, p.drive, []retention.Tier{toTier}); err != nil {
				return err
			}
		}

		oldPath := m.Index.Path(file)
		newPath := m.Index.Path(graduated.String())
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("chain: rename %s to %s: %w", file, graduated.String(), err)
		}
		m.Index.Rename(name, graduated)

		if newer := driveChain.File(fromTier.Name, oldest-1); newer != "" {
			if err := m.Tool.Rebase(ctx, m.Index.Path(newer), graduated.String()); err != nil {
				return err
			}
		}
		if neighbor := driveChain.File(toTier.Name, 1); neighbor != "" {
			if err := m.Tool.Rebase(ctx, newPath, neighbor); err != nil {
				return err
			}
		}
	}
	return nil
}

// backingImageName returns the archive filename a newly-archived increment
// must rebase onto: the image now occupying ordinal 1 of tierName (after
// Rotate has shifted the previous ordinal-0 image there), or the
// backupset's base image if this is the first increment.
func backingImageName(domain string, backupSet int, drive, tierName string, idx *archive.Index) string {
	driveChain := idx.Drive(domain, backupSet, drive)
	if driveChain != nil {
		if name := driveChain.File(tierName, 1); name != "" {
			return name
		}
		if driveChain.Base != "" {
			return driveChain.Base
		}
	}
	return namecodec.Base(domain, backupSet, drive).String()
}

func snapshotName(backupSet int) string {
	return fmt.Sprintf("b%03d.snapshot", backupSet)
}

// overlayPath names the new live external-snapshot file the way the
// original tool does: next to the drive's current active image, derived
// from its own basename rather than placed in the archive directory (the
// archive copy is made separately, after the snapshot completes).
func overlayPath(sourceFile string, backupSet, ordinal int) string {
	dir := filepath.Dir(sourceFile)
	base := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile))
	return filepath.Join(dir, fmt.Sprintf("%s.b%03d.i%05d.img", base, backupSet, ordinal))
}
