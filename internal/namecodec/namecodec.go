// Package namecodec is the single source of truth for the archive filename
// grammar: <domain>.b<BBB>.<drive>.base.img and
// <domain>.b<BBB>.<drive>.i<NNNNN>[-<NNNNN>].<interval>.<ord>.img
//
// No other package should split or join archive filenames by hand.
package namecodec

import (
	"fmt"
	"strconv"
	"strings"
)

const imgExt = ".img"

// Kind distinguishes a base image from an increment image.
type Kind int

const (
	KindBase Kind = iota
	KindIncrement
)

// Name is the parsed, tagged form of an archive filename.
type Name struct {
	Domain    string
	BackupSet int // the BBB in b<BBB>
	Drive     string
	Kind      Kind

	// Increment-only fields.
	Lo, Hi   int    // increment range; Hi == Lo for a singleton iNNNNN
	Interval string // tier name
	Ordinal  int    // tier ordinal, 0 = newest
}

// BackupSetID renders the backupset component, e.g. "b001".
func (n Name) BackupSetID() string {
	return fmt.Sprintf("b%03d", n.BackupSet)
}

// String renders the canonical archive filename for n.
func (n Name) String() string {
	if n.Kind == KindBase {
		return fmt.Sprintf("%s.%s.%s.base.img", n.Domain, n.BackupSetID(), n.Drive)
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s.%d.img", n.Domain, n.BackupSetID(), n.Drive, n.incrementField(), n.Interval, n.Ordinal)
}

// incrementField renders "iNNNNN" when Lo == Hi, or "iNNNNN-NNNNN" otherwise.
// The compact singleton form is mandatory: the codec never emits a
// redundant "iNNNNN-NNNNN" range when lo == hi.
func (n Name) incrementField() string {
	if n.Lo == n.Hi {
		return fmt.Sprintf("i%05d", n.Lo)
	}
	return fmt.Sprintf("i%05d-%05d", n.Lo, n.Hi)
}

// Parse decodes an archive filename into its tagged fields. It returns an
// error for anything that does not match the base or increment shape;
// callers that are scanning a directory should treat that as "ignore this
// file" rather than a fatal condition.
func Parse(filename string) (Name, error) {
	if !strings.HasSuffix(filename, imgExt) {
		return Name{}, fmt.Errorf("namecodec: %q: missing .img extension", filename)
	}
	trimmed := strings.TrimSuffix(filename, imgExt)
	parts := strings.Split(trimmed, ".")

	switch len(parts) {
	case 4:
		// domain.bBBB.drive.base
		if parts[3] != "base" {
			return Name{}, fmt.Errorf("namecodec: %q: expected \"base\", got %q", filename, parts[3])
		}
		backupSet, err := parseBackupSet(parts[1])
		if err != nil {
			return Name{}, fmt.Errorf("namecodec: %q: %w", filename, err)
		}
		return Name{
			Domain:    parts[0],
			BackupSet: backupSet,
			Drive:     parts[2],
			Kind:      KindBase,
		}, nil
	case 6:
		// domain.bBBB.drive.iNNNNN[-NNNNN].interval.ord
		backupSet, err := parseBackupSet(parts[1])
		if err != nil {
			return Name{}, fmt.Errorf("namecodec: %q: %w", filename, err)
		}
		lo, hi, err := parseIncrementField(parts[3])
		if err != nil {
			return Name{}, fmt.Errorf("namecodec: %q: %w", filename, err)
		}
		ord, err := strconv.Atoi(parts[5])
		if err != nil {
			return Name{}, fmt.Errorf("namecodec: %q: bad ordinal %q: %w", filename, parts[5], err)
		}
		return Name{
			Domain:    parts[0],
			BackupSet: backupSet,
			Drive:     parts[2],
			Kind:      KindIncrement,
			Lo:        lo,
			Hi:        hi,
			Interval:  parts[4],
			Ordinal:   ord,
		}, nil
	default:
		return Name{}, fmt.Errorf("namecodec: %q: unrecognized archive filename shape", filename)
	}
}

func parseBackupSet(field string) (int, error) {
	if !strings.HasPrefix(field, "b") {
		return 0, fmt.Errorf("bad backupset field %q", field)
	}
	n, err := strconv.Atoi(field[1:])
	if err != nil {
		return 0, fmt.Errorf("bad backupset field %q: %w", field, err)
	}
	return n, nil
}

// parseIncrementField parses "iNNNNN" or "iNNNNN-NNNNN".
func parseIncrementField(field string) (lo, hi int, err error) {
	if !strings.HasPrefix(field, "i") {
		return 0, 0, fmt.Errorf("bad increment field %q", field)
	}
	body := field[1:]
	if dash := strings.IndexByte(body, '-'); dash >= 0 {
		lo, err = strconv.Atoi(body[:dash])
		if err != nil {
			return 0, 0, fmt.Errorf("bad increment range %q: %w", field, err)
		}
		hi, err = strconv.Atoi(body[dash+1:])
		if err != nil {
			return 0, 0, fmt.Errorf("bad increment range %q: %w", field, err)
		}
		return lo, hi, nil
	}
	n, err := strconv.Atoi(body)
	if err != nil {
		return 0, 0, fmt.Errorf("bad increment number %q: %w", field, err)
	}
	return n, n, nil
}

// Base builds the Name for a fresh base image.
func Base(domain string, backupSet int, drive string) Name {
	return Name{Domain: domain, BackupSet: backupSet, Drive: drive, Kind: KindBase}
}

// Increment builds the Name for a singleton increment at the given interval
// and ordinal.
func Increment(domain string, backupSet int, drive string, incr int, interval string, ord int) Name {
	return Name{
		Domain: domain, BackupSet: backupSet, Drive: drive, Kind: KindIncrement,
		Lo: incr, Hi: incr, Interval: interval, Ordinal: ord,
	}
}

// FuseRange builds the increment field that results from committing `top`
// into `base`: the range spans from base's low to top's high.
func FuseRange(base, top Name) (lo, hi int) {
	return base.Lo, top.Hi
}
