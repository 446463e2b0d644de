// Package hypervisor is the Hypervisor Adapter: the only package that talks
// to libvirt. It looks up domains, reads their disk topology, takes
// disk-only quiesced snapshots, drives block-commit jobs to completion, and
// issues guest FSTrim.
//
// Grounded on the original tool's libvirt-python calls (lookupByName,
// XMLDesc, snapshotCreateXML, blockcommit, fSTrim) translated onto
// libvirt.org/go/libvirt and libvirt.org/go/libvirtxml.
package hypervisor

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// pollInterval is how often an in-flight block job's progress is checked.
const pollInterval = 500 * time.Millisecond

// Hypervisor holds a connection to a libvirt daemon.
type Hypervisor struct {
	conn *libvirt.Connect
}

// Connect opens a libvirt connection at uri (e.g. "qemu:///system").
func Connect(uri string) (*Hypervisor, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: connect %s: %w", uri, err)
	}
	return &Hypervisor{conn: conn}, nil
}

// Close releases the underlying libvirt connection.
func (h *Hypervisor) Close() error {
	_, err := h.conn.Close()
	return err
}

func (h *Hypervisor) lookup(domain string) (*libvirt.Domain, error) {
	dom, err := h.conn.LookupDomainByName(domain)
	if err != nil {
		if lverr, ok := err.(libvirt.Error); ok && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, &NotFoundError{Domain: domain}
		}
		return nil, &DomainError{Domain: domain, Op: "lookup", Err: err}
	}
	return dom, nil
}

// BlockDevices returns the disk target device name (e.g. "vda") mapped to
// its current source file, for every file-backed <disk device="disk">
// entry in the domain's live XML.
func (h *Hypervisor) BlockDevices(domain string) (map[string]string, error) {
	dom, err := h.lookup(domain)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	xmlDesc, err := dom.GetXMLDesc(0)
	if err != nil {
		return nil, &DomainError{Domain: domain, Op: "xmldesc", Err: err}
	}

	devices, err := parseBlockDevices(xmlDesc)
	if err != nil {
		return nil, &DomainError{Domain: domain, Op: "xmldesc-parse", Err: err}
	}
	return devices, nil
}

// parseBlockDevices extracts target-dev -> source-file for every
// file-backed disk device out of a domain's XML description.
func parseBlockDevices(xmlDesc string) (map[string]string, error) {
	var desc libvirtxml.Domain
	if err := desc.Unmarshal(xmlDesc); err != nil {
		return nil, err
	}

	devices := make(map[string]string)
	if desc.Devices == nil {
		return devices, nil
	}
	for _, disk := range desc.Devices.Disks {
		if disk.Device != "disk" {
			continue
		}
		if disk.Target == nil || disk.Source == nil || disk.Source.File == nil {
			continue
		}
		devices[disk.Target.Dev] = disk.Source.File.File
	}
	return devices, nil
}

// DiskSnapshot names one disk to include in a disk-only snapshot and the
// path the new active layer should point at.
type DiskSnapshot struct {
	Dev     string
	NewFile string
}

// SnapshotDiskOnly takes a disk-only, quiesced, atomic external snapshot
// covering the given disks (every other disk on the domain is excluded),
// then immediately deletes the snapshot's libvirt metadata: the archive
// filename chain on disk is the only state this tool persists, so libvirt's
// own snapshot bookkeeping would only drift out of sync with it.
func (h *Hypervisor) SnapshotDiskOnly(domain string, name string, allDevs []string, snapshot []DiskSnapshot) error {
	dom, err := h.lookup(domain)
	if err != nil {
		return err
	}
	defer dom.Free()

	included := make(map[string]bool, len(snapshot))
	disks := make([]libvirtxml.DomainSnapshotDisk, 0, len(allDevs))
	for _, ds := range snapshot {
		included[ds.Dev] = true
		disks = append(disks, libvirtxml.DomainSnapshotDisk{
			Name:     ds.Dev,
			Snapshot: "external",
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: ds.NewFile},
			},
		})
	}
	xmlDesc, err := dom.GetXMLDesc(0)
	if err != nil {
		return &DomainError{Domain: domain, Op: "xmldesc", Err: err}
	}
	domainDevs, err := parseBlockDevices(xmlDesc)
	if err != nil {
		return &DomainError{Domain: domain, Op: "xmldesc-parse", Err: err}
	}
	for dev := range domainDevs {
		allDevs = append(allDevs, dev)
	}
	for _, dev := range allDevs {
		if included[dev] {
			continue
		}
		included[dev] = true
		disks = append(disks, libvirtxml.DomainSnapshotDisk{Name: dev, Snapshot: "no"})
	}

	spec := libvirtxml.DomainSnapshot{
		Name:  name,
		Disks: &libvirtxml.DomainSnapshotDisks{Disks: disks},
	}
	xmlDoc, err := spec.Marshal()
	if err != nil {
		return &DomainError{Domain: domain, Op: "snapshot-xml", Err: err}
	}

	flags := libvirt.DOMAIN_SNAPSHOT_CREATE_DISK_ONLY |
		libvirt.DOMAIN_SNAPSHOT_CREATE_QUIESCE |
		libvirt.DOMAIN_SNAPSHOT_CREATE_ATOMIC
	snap, err := dom.CreateSnapshotXML(xmlDoc, flags)
	if err != nil {
		return &DomainError{Domain: domain, Op: "snapshot-create", Err: err}
	}
	defer snap.Free()

	if err := snap.Delete(libvirt.DOMAIN_SNAPSHOT_DELETE_METADATA_ONLY); err != nil {
		return &DomainError{Domain: domain, Op: "snapshot-delete-metadata", Err: err}
	}
	return nil
}

// CommitBase commits an intermediate (non-active) layer, top, down into
// base and waits for the asynchronous block job to finish. Used when a
// drive's snapshot chain already held more than one image before a new
// snapshot was taken.
func (h *Hypervisor) CommitBase(ctx context.Context, domain, dev, base, top string) error {
	dom, err := h.lookup(domain)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.BlockCommit(dev, base, top, 0, libvirt.DOMAIN_BLOCK_COMMIT_SHALLOW); err != nil {
		return &BlockJobError{Domain: domain, Disk: dev, Op: "commit-base", Err: err}
	}
	return h.waitForJobDone(ctx, dom, domain, dev, "commit-base")
}

// CommitActive commits the active layer of dev down into its backing file
// and pivots the domain onto that backing file, leaving a single active
// image. Used to collapse a drive's live chain back down to one image.
func (h *Hypervisor) CommitActive(ctx context.Context, domain, dev string) error {
	dom, err := h.lookup(domain)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.BlockCommit(dev, "", "", 0, libvirt.DOMAIN_BLOCK_COMMIT_ACTIVE); err != nil {
		return &BlockJobError{Domain: domain, Disk: dev, Op: "commit-active", Err: err}
	}
	if err := h.waitForJobReady(ctx, dom, domain, dev); err != nil {
		return err
	}
	if err := dom.BlockJobAbort(dev, libvirt.DOMAIN_BLOCK_JOB_ABORT_PIVOT); err != nil {
		return &BlockJobError{Domain: domain, Disk: dev, Op: "pivot", Err: err}
	}
	return nil
}

// waitForJobDone polls until dev has no block job left or its job reports
// completion (Cur >= End).
func (h *Hypervisor) waitForJobDone(ctx context.Context, dom *libvirt.Domain, domain, dev, op string) error {
	for {
		info, err := dom.GetBlockJobInfo(dev, 0)
		if err != nil {
			return &BlockJobError{Domain: domain, Disk: dev, Op: op, Err: err}
		}
		if info == nil || info.Cur >= info.End {
			return nil
		}
		if err := sleepOrDone(ctx); err != nil {
			return &BlockJobError{Domain: domain, Disk: dev, Op: op, Err: err}
		}
	}
}

// waitForJobReady polls until an active-layer commit job has caught up and
// is ready to be pivoted (libvirt reports this via the job's
// DOMAIN_BLOCK_JOB_TYPE_ACTIVE_COMMIT ready state, surfaced as Cur == End).
func (h *Hypervisor) waitForJobReady(ctx context.Context, dom *libvirt.Domain, domain, dev string) error {
	for {
		info, err := dom.GetBlockJobInfo(dev, 0)
		if err != nil {
			return &BlockJobError{Domain: domain, Disk: dev, Op: "commit-active", Err: err}
		}
		if info == nil {
			return &BlockJobError{Domain: domain, Disk: dev, Op: "commit-active", Err: fmt.Errorf("block job vanished before becoming ready")}
		}
		if info.Cur >= info.End {
			return nil
		}
		if err := sleepOrDone(ctx); err != nil {
			return &BlockJobError{Domain: domain, Disk: dev, Op: "commit-active", Err: err}
		}
	}
}

func sleepOrDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollInterval):
		return nil
	}
}

// Trim issues a guest-side FSTrim and then sleeps for grace, giving the
// guest filesystem time to actually discard blocks before the next backup
// pass reads from the image. A failure here is logged and swallowed: trim
// is an optimization, not a correctness requirement.
func (h *Hypervisor) Trim(ctx context.Context, domain string, grace time.Duration) error {
	dom, err := h.lookup(domain)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.FSTrim("", 0, 0); err != nil {
		log.WithFields(log.Fields{"domain": domain, "error": err}).Warn("fstrim failed, continuing without it")
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
		return nil
	}
}
