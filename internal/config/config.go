// Package config parses the two small command-line grammars this tool
// accepts: the interval ladder (--intervals) and backup targets
// (DOMAIN[:drive0,drive1,...]). Validation is hand-rolled rather than a
// generic struct-tag binder, following oma/config's style, since there is
// no config file in scope, only these two flag values.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vexxhost/vmbackup/internal/retention"
)

// defaultKeep is how many images a tier keeps when the --intervals spec
// omits a keep count for it.
const defaultKeep = 3

// ConfigError reports a malformed --intervals or target argument. The CLI
// layer maps it to exit code 2.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParseIntervals decodes a comma list of name[:keep] into a tier ladder,
// finest first. An omitted keep count defaults to 3; keep must be >= 1.
func ParseIntervals(spec string) ([]retention.Tier, error) {
	fields := strings.Split(spec, ",")
	tiers := make([]retention.Tier, 0, len(fields))
	seen := make(map[string]bool, len(fields))

	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, &ConfigError{Op: "intervals", Err: fmt.Errorf("empty interval name in %q", spec)}
		}

		name, keepField, hasKeep := strings.Cut(field, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &ConfigError{Op: "intervals", Err: fmt.Errorf("empty interval name in %q", spec)}
		}
		if seen[name] {
			return nil, &ConfigError{Op: "intervals", Err: fmt.Errorf("duplicate interval name %q", name)}
		}
		seen[name] = true

		keep := defaultKeep
		if hasKeep {
			n, err := strconv.Atoi(strings.TrimSpace(keepField))
			if err != nil {
				return nil, &ConfigError{Op: "intervals", Err: fmt.Errorf("bad keep count for %q: %w", name, err)}
			}
			keep = n
		}
		if keep < 1 {
			return nil, &ConfigError{Op: "intervals", Err: fmt.Errorf("keep count for %q must be >= 1, got %d", name, keep)}
		}

		tiers = append(tiers, retention.Tier{Name: name, Capacity: keep})
	}

	if len(tiers) == 0 {
		return nil, &ConfigError{Op: "intervals", Err: fmt.Errorf("no intervals given")}
	}
	return tiers, nil
}

// Target is one resolved DOMAIN[:drive0,drive1,...] positional argument.
// An empty Drives means "every disk-typed block device of the domain."
type Target struct {
	Domain string
	Drives []string
}

// ParseTarget decodes a single positional argument.
func ParseTarget(spec string) (Target, error) {
	domain, driveField, hasDrives := strings.Cut(spec, ":")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return Target{}, &ConfigError{Op: "target", Err: fmt.Errorf("empty domain name in %q", spec)}
	}

	if !hasDrives {
		return Target{Domain: domain}, nil
	}

	var drives []string
	for _, d := range strings.Split(driveField, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			return Target{}, &ConfigError{Op: "target", Err: fmt.Errorf("empty drive name in %q", spec)}
		}
		drives = append(drives, d)
	}
	if len(drives) == 0 {
		return Target{}, &ConfigError{Op: "target", Err: fmt.Errorf("no drives listed after ':' in %q", spec)}
	}
	return Target{Domain: domain, Drives: drives}, nil
}

// ResolveInterval finds the index of name within tiers, the shape Options.
// Interval expects (0 means the finest/default tier).
func ResolveInterval(tiers []retention.Tier, name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	for i, tier := range tiers {
		if tier.Name == name {
			return i, nil
		}
	}
	return 0, &ConfigError{Op: "interval", Err: fmt.Errorf("unknown interval %q", name)}
}
