// Package imgtool wraps the external qemu-img toolchain: info, convert,
// rebase and commit over copy-on-write images. It normalizes backing-file
// references to bare filenames rooted in the image's own directory so the
// archive directory stays self-contained and movable.
//
// The wrapping style (exec.CommandContext, CombinedOutput, typed *ToolError)
// follows oma/storage/qcow2_manager.go.
package imgtool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Tool is the Image Tool Adapter. The zero value is not usable; construct
// with New.
type Tool struct {
	qemuImgPath string
}

// New locates the qemu-img binary on PATH.
func New() (*Tool, error) {
	path, err := exec.LookPath("qemu-img")
	if err != nil {
		return nil, fmt.Errorf("imgtool: qemu-img not found: %w (install qemu-utils)", err)
	}
	return &Tool{qemuImgPath: path}, nil
}

// Info describes what qemu-img info reported about an image.
type Info struct {
	// BackingFile is the bare basename of the backing image, rooted in the
	// same directory as the inspected image, or "" if the image has no
	// backing file.
	BackingFile string
}

// Info runs "qemu-img info" on path. When safe is false, the image is opened
// unsafely (-U) so a guest that currently holds the image does not block the
// call. If the reported backing file lives in a different directory than
// path, it is silently rebased to a bare filename in path's own directory
// (the archive layout requires self-contained references).
func (t *Tool) Info(ctx context.Context, path string, safe bool) (Info, error) {
	args := []string{"info"}
	if !safe {
		args = append(args, "-U")
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, t.qemuImgPath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Info{}, &ToolError{Path: path, Op: "info", Err: fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)}
	}

	fields := parseKeyValue(&stdout)
	backing, ok := fields["backing file"]
	if !ok || backing == "" {
		return Info{}, nil
	}

	// "backing file" output may carry a trailing "(actual path: ...)"
	// annotation; only the first whitespace-delimited token is the path.
	backingPath := strings.Fields(backing)[0]

	dir := filepath.Dir(path)
	backingDir := filepath.Dir(backingPath)
	base := filepath.Base(backingPath)

	if backingDir != "." && backingDir != dir {
		log.WithFields(log.Fields{
			"image":   path,
			"backing": backingPath,
		}).Warn("normalizing backing file reference to a bare, in-directory filename")
		if err := t.Rebase(ctx, path, base); err != nil {
			return Info{}, err
		}
	}

	return Info{BackingFile: base}, nil
}

// parseKeyValue parses qemu-img's human-readable "key: value" output,
// tolerating missing keys and extra whitespace. Only "backing file" is
// consumed by callers today, but every key is returned.
func parseKeyValue(r io.Reader) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" || val == "" {
			continue
		}
		fields[key] = val
	}
	return fields
}

// ConvertOptions configures Convert.
type ConvertOptions struct {
	// Backing, if set, makes dst valid only when placed next to a file of
	// this basename.
	Backing string
	// Compress applies qemu-img's compressed conversion.
	Compress bool
	// PlainCopy uses a byte copy instead of qemu-img convert. Ignored when
	// Compress is set.
	PlainCopy bool
}

// Convert copies src into dst as a qcow2 image, optionally compressed or
// with a backing file, or as a plain byte copy.
func (t *Tool) Convert(ctx context.Context, src, dst string, opts ConvertOptions) error {
	if opts.PlainCopy && !opts.Compress {
		return plainCopy(src, dst)
	}

	args := []string{"convert", "-f", "qcow2", "-O", "qcow2"}
	if opts.Compress {
		args = append(args, "-c")
	}
	if opts.Backing != "" {
		args = append(args, "-B", opts.Backing)
	}
	args = append(args, src, dst)

	cmd := exec.CommandContext(ctx, t.qemuImgPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolError{Path: src, Op: "convert", Err: fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), err)}
	}
	return nil
}

func plainCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &ToolError{Path: src, Op: "copy", Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return &ToolError{Path: dst, Op: "copy", Err: err}
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return &ToolError{Path: dst, Op: "copy", Err: err}
	}
	return nil
}

// Rebase performs an unsafe rebase of path onto newBackingBasename: the new
// backing file is asserted (not verified) to be byte-identical to the old
// one. The command runs with cwd set to path's own directory so the backing
// reference resolves as a bare filename. mtime/atime of path are preserved.
func (t *Tool) Rebase(ctx context.Context, path, newBackingBasename string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ToolError{Path: path, Op: "rebase", Err: err}
	}
	atime, mtime := statTimes(info)

	cmd := exec.CommandContext(ctx, t.qemuImgPath, "rebase", "-u", "-b", newBackingBasename, filepath.Base(path))
	cmd.Dir = filepath.Dir(path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolError{Path: path, Op: "rebase", Err: fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), err)}
	}

	if err := os.Chtimes(path, atime, mtime); err != nil {
		return &ToolError{Path: path, Op: "rebase", Err: fmt.Errorf("preserve mtime: %w", err)}
	}
	return nil
}

// Commit merges top into base in place. base's mtime/atime are preserved so
// that sort-by-mtime tooling is not misled by the merge.
func (t *Tool) Commit(ctx context.Context, top, base string) error {
	info, err := os.Stat(base)
	if err != nil {
		return &ToolError{Path: base, Op: "commit", Err: err}
	}
	atime, mtime := statTimes(info)

	cmd := exec.CommandContext(ctx, t.qemuImgPath, "commit", "-b", base, top)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolError{Path: top, Op: "commit", Err: fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), err)}
	}

	if err := os.Chtimes(base, atime, mtime); err != nil {
		return &ToolError{Path: base, Op: "commit", Err: fmt.Errorf("preserve mtime: %w", err)}
	}
	return nil
}
