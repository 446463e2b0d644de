package chain

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/vexxhost/vmbackup/internal/archive"
	"github.com/vexxhost/vmbackup/internal/imgtool"
)

func isQemuImgAvailable() bool {
	_, err := exec.LookPath("qemu-img")
	return err == nil
}

func createQcow2(t *testing.T, dir, name, backing string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var args []string
	if backing != "" {
		args = []string{"create", "-f", "qcow2", "-b", backing, "-F", "qcow2", name}
	} else {
		args = []string{"create", "-f", "qcow2", name, "64M"}
	}
	cmd := exec.Command("qemu-img", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("qemu-img create %s: %v: %s", name, err, out)
	}
	return path
}

func TestClassifyFreshDrive(t *testing.T) {
	if !isQemuImgAvailable() {
		t.Skip("qemu-img not available, skipping test")
	}
	dir := t.TempDir()
	active := createQcow2(t, dir, "disk.img", "")

	tool, err := imgtool.New()
	if err != nil {
		t.Fatalf("imgtool.New: %v", err)
	}
	idx, err := archive.Scan(dir)
	if err != nil {
		t.Fatalf("archive.Scan: %v", err)
	}
	m := &Manager{Tool: tool, Index: idx}

	plan, err := m.classify(context.Background(), "vm1", "vda", active, false)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !plan.incomplete {
		t.Error("expected a single-image chain to be classified incomplete")
	}
}

func TestClassifyPendingSnapshot(t *testing.T) {
	if !isQemuImgAvailable() {
		t.Skip("qemu-img not available, skipping test")
	}
	dir := t.TempDir()
	base := createQcow2(t, dir, "disk.img", "")
	top := createQcow2(t, dir, "disk.b001.i00003.img", base)

	tool, err := imgtool.New()
	if err != nil {
		t.Fatalf("imgtool.New: %v", err)
	}
	idx, err := archive.Scan(dir)
	if err != nil {
		t.Fatalf("archive.Scan: %v", err)
	}
	m := &Manager{Tool: tool, Index: idx}

	plan, err := m.classify(context.Background(), "vm1", "vda", top, false)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if plan.incomplete {
		t.Error("expected a two-image chain to be classified complete")
	}
	if plan.backupSet != 1 {
		t.Errorf("backupSet = %d, want 1", plan.backupSet)
	}
	if plan.ordinal != 3 {
		t.Errorf("ordinal = %d, want 3", plan.ordinal)
	}
}

func TestClassifyRecoversTripleChain(t *testing.T) {
	if !isQemuImgAvailable() {
		t.Skip("qemu-img not available, skipping test")
	}
	dir := t.TempDir()
	base := createQcow2(t, dir, "disk.img", "")
	mid := createQcow2(t, dir, "disk.b001.i00001.img", base)
	top := createQcow2(t, dir, "disk.b001.i00002.img", mid)

	tool, err := imgtool.New()
	if err != nil {
		t.Fatalf("imgtool.New: %v", err)
	}
	idx, err := archive.Scan(dir)
	if err != nil {
		t.Fatalf("archive.Scan: %v", err)
	}
	m := &Manager{Tool: tool, Index: idx}

	plan, err := m.classify(context.Background(), "vm1", "vda", top, false)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !plan.needsPivot {
		t.Error("expected a three-deep live chain to be flagged for an active-pivot commit")
	}
	if !plan.incomplete {
		t.Error("expected a recovered chain to proceed through the fresh-base flow")
	}
}

func TestParseOverlayIncrement(t *testing.T) {
	cases := []struct {
		name        string
		filename    string
		wantBackup  int
		wantIncr    int
		wantErr     bool
	}{
		{name: "simple", filename: "disk.b001.i00003.img", wantBackup: 1, wantIncr: 3},
		{name: "dashed base", filename: "vm1-vda.b012.i00000.img", wantBackup: 12, wantIncr: 0},
		{name: "missing fields", filename: "disk.img", wantErr: true},
		{name: "not overlay shaped", filename: "disk.base.img", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backupSet, incr, err := parseOverlayIncrement(tc.filename)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error for %q", tc.filename)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOverlayIncrement(%q): %v", tc.filename, err)
			}
			if backupSet != tc.wantBackup || incr != tc.wantIncr {
				t.Errorf("got (%d, %d), want (%d, %d)", backupSet, incr, tc.wantBackup, tc.wantIncr)
			}
		})
	}
}

func TestBackingImageNameFallsBackToBase(t *testing.T) {
	dir := t.TempDir()
	idx := &archive.Index{Dir: dir}

	got := backingImageName("vm1", 1, "vda", "daily", idx)
	want := "vm1.b001.vda.base.img"
	if got != want {
		t.Errorf("backingImageName = %q, want %q", got, want)
	}
}

func TestOverlayPath(t *testing.T) {
	got := overlayPath("/var/lib/libvirt/images/vm1-vda.img", 2, 5)
	want := "/var/lib/libvirt/images/vm1-vda.b002.i00005.img"
	if got != want {
		t.Errorf("overlayPath = %q, want %q", got, want)
	}
}
