// Package retention implements the Retention Rotator: the multi-tier
// rotation that, each time a new increment lands at the front of a tier,
// shifts every older increment in that tier up by one ordinal and, when a
// tier is full, collapses its oldest two images into one before the shift.
//
// Grounded on the original tool's img_rotate_interval: when a tier is full,
// commit the second-oldest image ("top") down into the oldest ("base"),
// delete the committed-away top, rename the surviving base into the
// vacated ordinal with a range-fused filename, rebase that ordinal's newer
// neighbor onto the new name, then cascade-rename+rebase every remaining
// image up by one ordinal, oldest first.
package retention

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/vexxhost/vmbackup/internal/archive"
	"github.com/vexxhost/vmbackup/internal/imgtool"
	"github.com/vexxhost/vmbackup/internal/namecodec"
)

// Tier describes one retention tier's configured name and capacity (how
// many images of that interval are kept before the oldest collapses into
// its neighbor).
type Tier struct {
	Name     string
	Capacity int
}

// Rotator performs rotation against one archive directory.
type Rotator struct {
	Tool  *imgtool.Tool
	Index *archive.Index
}

// New builds a Rotator over tool and idx.
func New(tool *imgtool.Tool, idx *archive.Index) *Rotator {
	return &Rotator{Tool: tool, Index: idx}
}

// Rotate makes room for a new increment at ordinal 0 of each tier, in
// order, for domain/backupSet/drive. It must be called before the new
// increment image is written.
func (r *Rotator) Rotate(ctx context.Context, domain string, backupSet int, drive string, tiers []Tier) error {
	for _, tier := range tiers {
		if err := r.rotateTier(ctx, domain, backupSet, drive, tier); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rotator) rotateTier(ctx context.Context, domain string, backupSet int, drive string, tier Tier) error {
	chain := r.Index.Drive(domain, backupSet, drive)
	if chain == nil {
		return nil
	}
	ordinals := chain.Ordinals(tier.Name)
	if len(ordinals) == 0 {
		return nil
	}

	if len(ordinals) >= tier.Capacity {
		if err := r.collapseOverflow(ctx, domain, drive, tier, chain, ordinals); err != nil {
			return err
		}
		ordinals = chain.Ordinals(tier.Name)
	}

	return r.shiftUp(ctx, tier, chain, ordinals)
}

// collapseOverflow commits the second-oldest image ("top") down into the
// oldest ("base"), deletes top, and renames the merged survivor into top's
// now-vacant ordinal with a range-fused filename, rebasing that ordinal's
// newer neighbor onto it.
func (r *Rotator) collapseOverflow(ctx context.Context, domain, drive string, tier Tier, chain *archive.DriveChain, ordinals []int) error {
	base := ordinals[len(ordinals)-1]
	top := tier.Capacity - 2

	baseFile := chain.File(tier.Name, base)
	topFile := chain.File(tier.Name, top)

	baseName, err := namecodec.Parse(baseFile)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	topName, err := namecodec.Parse(topFile)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	basePath := r.Index.Path(baseFile)
	topPath := r.Index.Path(topFile)

	log.WithFields(log.Fields{
		"domain": domain, "drive": drive, "interval": tier.Name,
		"top": topFile, "base": baseFile,
	}).Info("retention: collapsing tier overflow")

	if err := r.Tool.Commit(ctx, topPath, basePath); err != nil {
		return err
	}

	// Anything strictly between top and base (there should be none under
	// dense ordinals, but the grammar doesn't forbid a caller-induced gap)
	// was already merged away along with top.
	for ord := top; ord < base; ord++ {
		file := chain.File(tier.Name, ord)
		if file == "" {
			continue
		}
		n, err := namecodec.Parse(file)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		if err := os.Remove(r.Index.Path(file)); err != nil {
			return fmt.Errorf("retention: remove %s: %w", file, err)
		}
		r.Index.Remove(n)
	}
	r.Index.Remove(baseName)

	lo, hi := namecodec.FuseRange(baseName, topName)
	fused := topName
	fused.Lo, fused.Hi = lo, hi
	fused.Ordinal = top

	fusedPath := r.Index.Path(fused.String())
	if err := os.Rename(basePath, fusedPath); err != nil {
		return fmt.Errorf("retention: rename %s to %s: %w", baseFile, fused.String(), err)
	}
	r.Index.Put(fused)

	if newer := chain.File(tier.Name, top-1); newer != "" {
		if err := r.Tool.Rebase(ctx, r.Index.Path(newer), fused.String()); err != nil {
			return err
		}
	}

	return nil
}

// shiftUp cascades every remaining image in the tier up by one ordinal,
// oldest first, rebasing each (other than the very first one moved) onto
// its already-renamed, now one-ordinal-older downstream neighbor.
func (r *Rotator) shiftUp(ctx context.Context, tier Tier, chain *archive.DriveChain, ordinals []int) error {
	var downstreamName string // new name of the previously-shifted (older) neighbor

	for i := len(ordinals) - 1; i >= 0; i-- {
		ord := ordinals[i]
		file := chain.File(tier.Name, ord)
		name, err := namecodec.Parse(file)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}

		shifted := name
		shifted.Ordinal = ord + 1
		oldPath := r.Index.Path(file)
		newPath := r.Index.Path(shifted.String())

		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("retention: rename %s to %s: %w", file, shifted.String(), err)
		}
		r.Index.Rename(name, shifted)

		if downstreamName != "" {
			if err := r.Tool.Rebase(ctx, newPath, downstreamName); err != nil {
				return err
			}
		}
		downstreamName = shifted.String()
	}
	return nil
}
