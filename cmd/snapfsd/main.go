// Package main implements snapfsd, the snapshot engine's daemon: it wires
// internal/lifecycle.Manager against a block device and serves it over
// internal/control's Unix-socket control surface, with an optional live
// monitor dashboard and a periodic reconciliation sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/flycow/snapfs/internal/bitmapcache"
	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/chain"
	"github.com/flycow/snapfs/internal/control"
	"github.com/flycow/snapfs/internal/cow"
	"github.com/flycow/snapfs/internal/fsm"
	"github.com/flycow/snapfs/internal/guard"
	"github.com/flycow/snapfs/internal/hostfs"
	"github.com/flycow/snapfs/internal/lifecycle"
	"github.com/flycow/snapfs/internal/metrics"
	"github.com/flycow/snapfs/internal/registry"
	"github.com/flycow/snapfs/internal/seed"
	"github.com/flycow/snapfs/internal/super"
	"github.com/flycow/snapfs/monitor"
)

// Config holds daemon configuration.
type Config struct {
	// StateDir holds the control socket and bbolt stores.
	StateDir string

	// RegistryPath is the sqlite audit-log path.
	RegistryPath string

	// BlockCount sizes the demo in-memory block device.
	BlockCount uint32

	// SeedBucket/SeedKey optionally populate the device from S3 before
	// demo/serve starts. Both empty skips seeding.
	SeedBucket string
	SeedKey    string
	SeedRegion string

	// UpdateInterval is how often the update subcommand's sweep runs.
	UpdateInterval time.Duration

	LogLevel string
	Inline   bool // run monitor without the alt-screen
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StateDir:       "/var/lib/snapfs",
		RegistryPath:   "/var/lib/snapfs/registry.db",
		BlockCount:     1 << 16,
		SeedRegion:     "us-east-1",
		UpdateInterval: 30 * time.Second,
		LogLevel:       "info",
	}
}

var log = logrus.New()

var (
	demoCmd    = flag.NewFlagSet("demo", flag.ExitOnError)
	serveCmd   = flag.NewFlagSet("serve", flag.ExitOnError)
	monitorCmd = flag.NewFlagSet("monitor", flag.ExitOnError)
	updateCmd  = flag.NewFlagSet("update", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := DefaultConfig()

	switch os.Args[1] {
	case "demo":
		parseCommonFlags(&cfg, demoCmd, os.Args[2:])
		if err := runDemo(cfg); err != nil {
			log.WithError(err).Fatal("demo failed")
		}
	case "serve":
		parseCommonFlags(&cfg, serveCmd, os.Args[2:])
		if err := runServe(cfg); err != nil {
			log.WithError(err).Fatal("serve failed")
		}
	case "monitor":
		parseMonitorFlags(&cfg, monitorCmd, os.Args[2:])
		if err := runMonitor(cfg); err != nil {
			log.WithError(err).Fatal("monitor failed")
		}
	case "update":
		parseCommonFlags(&cfg, updateCmd, os.Args[2:])
		if err := runUpdate(cfg); err != nil {
			log.WithError(err).Fatal("update failed")
		}
	default:
		fmt.Printf("unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("snapfsd - copy-on-write snapshot engine daemon")
	fmt.Println()
	fmt.Println("Usage: snapfsd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  demo       Populate an in-memory volume and exercise create/take/enable")
	fmt.Println("  serve      Serve the control surface over a Unix socket")
	fmt.Println("  monitor    Interactive dashboard over the live chain and event log")
	fmt.Println("  update     Run reconciliation sweeps every --update-interval until interrupted")
	fmt.Println()
	fmt.Println("Run 'snapfsd <command> --help' for more information on a command.")
}

func parseCommonFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for the control socket and bbolt stores")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "sqlite audit log path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.SeedBucket, "seed-bucket", "", "optional S3 bucket to seed the demo volume from")
	fs.StringVar(&cfg.SeedKey, "seed-key", "", "optional S3 object key to seed the demo volume from")
	fs.DurationVar(&cfg.UpdateInterval, "update-interval", cfg.UpdateInterval, "reconciliation sweep interval")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
}

func parseMonitorFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for the control socket and bbolt stores")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "sqlite audit log path")
	fs.BoolVar(&cfg.Inline, "inline", false, "run inline, without the alt-screen")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
}

func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

// environment bundles every collaborator a lifecycle.Manager needs, the
// daemon's equivalent of the teacher's Dependencies struct built by
// initializeDependencies.
type environment struct {
	mgr      *lifecycle.Manager
	registry *registry.DB
	device   *hostfs.MemDevice

	excludeDB *bolt.DB
	fsmDB     *bolt.DB
}

func (e *environment) Close() {
	if e.registry != nil {
		e.registry.Close()
	}
	if e.excludeDB != nil {
		e.excludeDB.Close()
	}
	if e.fsmDB != nil {
		e.fsmDB.Close()
	}
}

func buildEnvironment(ctx context.Context, cfg Config) (*environment, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapfsd: creating state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.RegistryPath), 0o755); err != nil {
		return nil, fmt.Errorf("snapfsd: creating registry dir: %w", err)
	}

	device := hostfs.NewMemDevice(cfg.BlockCount)

	if cfg.SeedBucket != "" && cfg.SeedKey != "" {
		seedClient, err := seed.New(ctx, seed.Config{Region: cfg.SeedRegion, Bucket: cfg.SeedBucket})
		if err != nil {
			return nil, fmt.Errorf("snapfsd: creating seed client: %w", err)
		}
		if _, err := seedClient.SeedDevice(ctx, cfg.SeedBucket, cfg.SeedKey, device); err != nil {
			return nil, fmt.Errorf("snapfsd: seeding device: %w", err)
		}
	}

	descs := bitmapcache.NewGroupDescriptors()
	descs.Register(&block.Descriptor{Group: 0})

	excludeDB, err := bolt.Open(filepath.Join(cfg.StateDir, "exclude.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("snapfsd: opening exclude db: %w", err)
	}
	bitmaps, err := bitmapcache.New(bitmapcache.DefaultConfig(), descs, device, excludeDB, log)
	if err != nil {
		excludeDB.Close()
		return nil, fmt.Errorf("snapfsd: building bitmap cache: %w", err)
	}

	fsmDB, err := bolt.Open(filepath.Join(cfg.StateDir, "fsm.db"), 0o600, nil)
	if err != nil {
		excludeDB.Close()
		return nil, fmt.Errorf("snapfsd: opening fsm db: %w", err)
	}
	fsmMgr, err := fsm.NewManager(fsmDB, log)
	if err != nil {
		excludeDB.Close()
		fsmDB.Close()
		return nil, fmt.Errorf("snapfsd: building fsm manager: %w", err)
	}

	deps := lifecycle.Dependencies{
		Chain:      chain.New(),
		Active:     &cow.ActiveSnapshot{},
		Descs:      descs,
		Bitmaps:    bitmaps,
		Device:     device,
		Inodes:     hostfs.NewMemInodeTable(100),
		Alloc:      hostfs.NewMemAllocator(block.Number(cfg.BlockCount)),
		Journal:    hostfs.NewMemJournal(64),
		Pages:      hostfs.NewMemPageCache(),
		Superblock: &super.Superblock{},
		ExcludeIno: super.WellKnownExcludeIno,
	}
	g := guard.NewOperationGuard(guard.GuardConfig{Logger: log})
	mtr := metrics.New(nil)
	mgr := lifecycle.New(deps, fsmMgr, g, mtr, log)

	reg, err := registry.New(registry.Config{Path: cfg.RegistryPath})
	if err != nil {
		excludeDB.Close()
		fsmDB.Close()
		return nil, fmt.Errorf("snapfsd: opening registry: %w", err)
	}

	return &environment{mgr: mgr, registry: reg, device: device, excludeDB: excludeDB, fsmDB: fsmDB}, nil
}

// runDemo builds a fresh in-memory volume and exercises the core verb
// sequence (create, take, enable, take again) so there is chain and event
// state to look at with `snapfsd monitor`.
func runDemo(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx := context.Background()

	env, err := buildEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	for i := 0; i < 3; i++ {
		ino, err := env.mgr.Create(ctx, block.Group(0))
		if err != nil {
			return fmt.Errorf("snapfsd: demo create: %w", err)
		}
		if _, err := env.mgr.Take(ctx); err != nil {
			return fmt.Errorf("snapfsd: demo take: %w", err)
		}
		if err := env.mgr.Enable(ctx, ino); err != nil {
			return fmt.Errorf("snapfsd: demo enable: %w", err)
		}
		log.WithField("ino", ino).Info("demo snapshot created, activated and enabled")
	}

	for _, n := range env.mgr.Chain().All() {
		log.WithFields(logrus.Fields{"ino": n.Ino, "flags": n.Flags.String()}).Info("chain node")
	}
	return nil
}

// runServe starts the control surface and blocks until a termination
// signal arrives.
func runServe(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := buildEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	srv := control.New(env.mgr, log).WithEventLog(env.registry)
	socketPath := filepath.Join(cfg.StateDir, "control.sock")
	_ = os.Remove(socketPath) // stale socket from a prior unclean shutdown

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	log.WithField("socket", socketPath).Info("serving control surface")
	if err := srv.Serve(ctx, socketPath); err != nil && ctx.Err() == nil {
		return fmt.Errorf("snapfsd: serve: %w", err)
	}
	return nil
}

// runUpdate runs the reconciliation sweep once, then repeats it every
// UpdateInterval until interrupted — the daemon's equivalent of the
// teacher's gc command, repurposed from orphaned-device cleanup to the
// snapshot chain's own deleted-oldest-run reap pass.
func runUpdate(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := buildEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.UpdateInterval)
	defer ticker.Stop()

	sweep := func() {
		removed, err := env.mgr.Update(ctx)
		if err != nil {
			log.WithError(err).Error("reconciliation sweep failed")
			return
		}
		log.WithField("removed", removed).Info("reconciliation sweep complete")
	}

	sweep()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-sigCh:
			log.Info("update sweep stopped")
			return nil
		}
	}
}

// runMonitor runs the interactive dashboard against the in-process
// environment's chain and registry, the in-process equivalent of the
// teacher's runMonitor dialing out to a running daemon over Unix socket.
func runMonitor(cfg Config) error {
	log.SetOutput(io.Discard) // the dashboard owns the terminal, logging would corrupt it

	ctx := context.Background()

	env, err := buildEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	source := &daemonSource{mgr: env.mgr, registry: env.registry}
	model := monitor.NewDashboardModel(source)

	var p *tea.Program
	if cfg.Inline {
		p = tea.NewProgram(model)
	} else {
		p = tea.NewProgram(model, tea.WithAltScreen())
	}
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("snapfsd: running dashboard: %w", err)
	}
	return nil
}
