package main

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vexxhost/vmbackup/internal/chain"
	"github.com/vexxhost/vmbackup/internal/config"
	"github.com/vexxhost/vmbackup/internal/hypervisor"
	"github.com/vexxhost/vmbackup/internal/imgtool"
	"github.com/vexxhost/vmbackup/internal/orchestrator"
)

var (
	debug       bool
	backupDir   string
	intervals   string
	interval    string
	newChain    bool
	copyMode    bool
	compress    bool
	omitUnsafe  bool
	libvirtURI  string
	trimGraceS  int
	lockPath    string
)

func defaultLockPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/vmbackup.lock"
	}
	return "/var/run/vmbackup.lock"
}

var rootCmd = &cobra.Command{
	Use:   "vmbackup DOMAIN[:drive0,drive1,...] [DOMAIN[:drive0,...] ...]",
	Short: "Incremental qcow2 backups of libvirt/KVM domains",
	Args:  cobra.MinimumNArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
	},
	RunE: runBackup,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&debug, "debug", false, "raise log verbosity")
	flags.StringVar(&backupDir, "backup-dir", "/var/vmbackup", "archive directory")
	flags.StringVar(&intervals, "intervals", "daily:3,weekly:3,monthly:3", "comma list of name[:keep], finest tier first")
	flags.StringVar(&interval, "interval", "", "target tier for this run (default: finest)")
	flags.BoolVar(&newChain, "new-chain", false, "force opening a new backupset")
	flags.BoolVar(&copyMode, "copy", false, "byte-copy instead of image-format conversion")
	flags.BoolVar(&compress, "compress", false, "compress the archived image")
	flags.BoolVar(&omitUnsafe, "omit-unsafe", false, "disable the unsafe (-U) flag on qemu-img info")
	flags.StringVar(&libvirtURI, "libvirt-uri", "qemu:///system", "libvirt connection URI")
	flags.IntVar(&trimGraceS, "trim-grace", 240, "seconds to sleep after guest fstrim")
	flags.StringVar(&lockPath, "lock-path", "", "advisory lock path (default: "+defaultLockPath()+")")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func runBackup(cmd *cobra.Command, args []string) error {
	tiers, err := config.ParseIntervals(intervals)
	if err != nil {
		return err
	}
	intervalIdx, err := config.ResolveInterval(tiers, interval)
	if err != nil {
		return err
	}

	targets := make([]config.Target, 0, len(args))
	for _, arg := range args {
		target, err := config.ParseTarget(arg)
		if err != nil {
			return err
		}
		targets = append(targets, target)
	}

	if fi, err := os.Stat(backupDir); err != nil || !fi.IsDir() {
		return &config.ConfigError{Op: "backup-dir", Err: fmt.Errorf("%s is not a directory", backupDir)}
	}

	hv, err := hypervisor.Connect(libvirtURI)
	if err != nil {
		return err
	}
	defer hv.Close()

	tool, err := imgtool.New()
	if err != nil {
		return err
	}

	path := lockPath
	if path == "" {
		path = defaultLockPath()
	}

	opts := orchestrator.Options{
		BackupDir: backupDir,
		LockPath:  path,
		Targets:   targets,
		Chain: chain.Options{
			Tiers:      tiers,
			Interval:   intervalIdx,
			NewChain:   newChain,
			TrimGrace:  time.Duration(trimGraceS) * time.Second,
			Copy:       copyMode,
			Compress:   compress,
			OmitUnsafe: omitUnsafe,
		},
	}

	ctx := context.Background()
	return orchestrator.Run(ctx, hv, tool, opts)
}

// exitCodeFor maps an error kind to its exit code: 0 on success (handled by
// Execute returning nil), 1 for lock contention or a missing domain, 2 for
// configuration errors, 1 for anything else that reached the top without a
// more specific type.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *config.ConfigError:
		return 2
	case *orchestrator.LockError:
		return 1
	case *hypervisor.NotFoundError:
		return 1
	default:
		return 1
	}
}
