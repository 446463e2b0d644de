// Package archive builds and maintains the in-memory Archive Index: the
// structural view of a backup directory's filenames, grouped by domain,
// backupset and drive. The filesystem is the only state; this package just
// makes it tractable to query and keeps the in-memory view consistent as
// the Chain Manager and Retention Rotator rename, commit and delete files.
//
// Grounded on the original tool's init_archive_info directory scan and its
// per-drive {images, intervals} bookkeeping.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vexxhost/vmbackup/internal/namecodec"
)

// DriveChain is everything the index knows about one drive of one
// backupset: its base image (if any) and, per retention tier, the set of
// increment images keyed by ordinal (0 = newest).
type DriveChain struct {
	Base  string
	Tiers map[string]map[int]string
}

func newDriveChain() *DriveChain {
	return &DriveChain{Tiers: make(map[string]map[int]string)}
}

func (d *DriveChain) put(n namecodec.Name) {
	if n.Kind == namecodec.KindBase {
		d.Base = n.String()
		return
	}
	tier := d.Tiers[n.Interval]
	if tier == nil {
		tier = make(map[int]string)
		d.Tiers[n.Interval] = tier
	}
	tier[n.Ordinal] = n.String()
}

func (d *DriveChain) remove(n namecodec.Name) {
	if n.Kind == namecodec.KindBase {
		d.Base = ""
		return
	}
	if tier := d.Tiers[n.Interval]; tier != nil {
		delete(tier, n.Ordinal)
		if len(tier) == 0 {
			delete(d.Tiers, n.Interval)
		}
	}
}

// Ordinals returns the ordinals present for interval, sorted ascending (0
// first, i.e. newest first).
func (d *DriveChain) Ordinals(interval string) []int {
	tier := d.Tiers[interval]
	ordinals := make([]int, 0, len(tier))
	for ord := range tier {
		ordinals = append(ordinals, ord)
	}
	sort.Ints(ordinals)
	return ordinals
}

// File returns the filename stored at interval/ordinal, or "" if absent.
func (d *DriveChain) File(interval string, ordinal int) string {
	return d.Tiers[interval][ordinal]
}

// Index is the scanned view of a backup directory.
type Index struct {
	Dir string
	// domain -> backupset -> drive -> chain
	domains map[string]map[int]map[string]*DriveChain
}

// Scan walks dir and classifies every *.img file via namecodec.Parse.
// Files that don't match the archive filename grammar are ignored, not
// fatal: a backup directory may hold unrelated files.
func Scan(dir string) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: scan %s: %w", dir, err)
	}

	idx := &Index{Dir: dir, domains: make(map[string]map[int]map[string]*DriveChain)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, err := namecodec.Parse(entry.Name())
		if err != nil {
			continue
		}
		idx.driveChain(n.Domain, n.BackupSet, n.Drive, true).put(n)
	}
	return idx, nil
}

func (idx *Index) driveChain(domain string, backupSet int, drive string, create bool) *DriveChain {
	bsMap, ok := idx.domains[domain]
	if !ok {
		if !create {
			return nil
		}
		bsMap = make(map[int]map[string]*DriveChain)
		idx.domains[domain] = bsMap
	}
	driveMap, ok := bsMap[backupSet]
	if !ok {
		if !create {
			return nil
		}
		driveMap = make(map[string]*DriveChain)
		bsMap[backupSet] = driveMap
	}
	chain, ok := driveMap[drive]
	if !ok {
		if !create {
			return nil
		}
		chain = newDriveChain()
		driveMap[drive] = chain
	}
	return chain
}

// Drive returns the DriveChain for domain/backupSet/drive, or nil if the
// index has no record of it.
func (idx *Index) Drive(domain string, backupSet int, drive string) *DriveChain {
	return idx.driveChain(domain, backupSet, drive, false)
}

// BackupSets returns the backupset numbers known for domain, sorted
// ascending.
func (idx *Index) BackupSets(domain string) []int {
	bsMap := idx.domains[domain]
	sets := make([]int, 0, len(bsMap))
	for bs := range bsMap {
		sets = append(sets, bs)
	}
	sort.Ints(sets)
	return sets
}

// Drives returns the drive names known for domain/backupSet.
func (idx *Index) Drives(domain string, backupSet int) []string {
	driveMap := idx.domains[domain][backupSet]
	drives := make([]string, 0, len(driveMap))
	for drive := range driveMap {
		drives = append(drives, drive)
	}
	sort.Strings(drives)
	return drives
}

// Path joins a bare archive filename onto the index's directory.
func (idx *Index) Path(name string) string {
	return filepath.Join(idx.Dir, name)
}

// Put records that name now exists in the archive directory (the caller is
// responsible for actually creating it on disk first).
func (idx *Index) Put(n namecodec.Name) {
	idx.driveChain(n.Domain, n.BackupSet, n.Drive, true).put(n)
}

// Remove forgets name (the caller is responsible for actually removing it
// from disk).
func (idx *Index) Remove(n namecodec.Name) {
	if chain := idx.driveChain(n.Domain, n.BackupSet, n.Drive, false); chain != nil {
		chain.remove(n)
	}
}

// Rename moves old's record to new's (the caller performs the filesystem
// rename/rebase; this just updates the in-memory view).
func (idx *Index) Rename(old, new namecodec.Name) {
	idx.Remove(old)
	idx.Put(new)
}

// VerifyDenseOrdinals checks that every non-empty tier's ordinals form a
// dense range 0..k with no holes.
func (idx *Index) VerifyDenseOrdinals(domain string, backupSet int, drive string) error {
	chain := idx.Drive(domain, backupSet, drive)
	if chain == nil {
		return nil
	}
	for interval, tier := range chain.Tiers {
		ordinals := make([]int, 0, len(tier))
		for ord := range tier {
			ordinals = append(ordinals, ord)
		}
		sort.Ints(ordinals)
		for i, ord := range ordinals {
			if ord != i {
				return &IndexError{
					Domain: domain, BackupSet: backupSet, Drive: drive, Interval: interval,
					Err: fmt.Errorf("ordinal hole: expected %d, found %d", i, ord),
				}
			}
		}
	}
	return nil
}
