package main

import (
	"context"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BlockCount == 0 {
		t.Fatalf("DefaultConfig: BlockCount must be nonzero")
	}
	if cfg.UpdateInterval <= 0 {
		t.Fatalf("DefaultConfig: UpdateInterval must be positive")
	}
	if cfg.SeedBucket != "" || cfg.SeedKey != "" {
		t.Fatalf("DefaultConfig: seeding must be opt-in, got bucket=%q key=%q", cfg.SeedBucket, cfg.SeedKey)
	}
}

func TestSetupLoggerRejectsUnknownLevel(t *testing.T) {
	if err := setupLogger("not-a-level"); err == nil {
		t.Fatalf("setupLogger: want error for invalid level")
	}
	if err := setupLogger("debug"); err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StateDir = dir
	cfg.RegistryPath = filepath.Join(dir, "registry.db")
	cfg.BlockCount = 64
	return cfg
}

func TestBuildEnvironmentWiresLifecycleAndRegistry(t *testing.T) {
	ctx := context.Background()
	env, err := buildEnvironment(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("buildEnvironment: %v", err)
	}
	defer env.Close()

	ino, err := env.mgr.Create(ctx, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.mgr.Take(ctx); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := env.mgr.Enable(ctx, ino); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	nodes := env.mgr.Chain().All()
	if len(nodes) != 1 {
		t.Fatalf("Chain().All(): got %d nodes, want 1", len(nodes))
	}
}

func TestDaemonSourceFetchChainReflectsLifecycleState(t *testing.T) {
	ctx := context.Background()
	env, err := buildEnvironment(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("buildEnvironment: %v", err)
	}
	defer env.Close()

	ino, err := env.mgr.Create(ctx, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.mgr.Take(ctx); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := env.mgr.Enable(ctx, ino); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	src := &daemonSource{mgr: env.mgr, registry: env.registry}
	rows, err := src.FetchChain(ctx)
	if err != nil {
		t.Fatalf("FetchChain: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("FetchChain: got %d rows, want 1", len(rows))
	}
	if rows[0].Status != "active" {
		t.Fatalf("FetchChain: got status %q, want active", rows[0].Status)
	}
	if rows[0].Generation == "" || rows[0].DiskSize == "" {
		t.Fatalf("FetchChain: expected generation/disk size populated from the inode record, got %+v", rows[0])
	}
}

func TestDaemonSourceFetchEventsIsEmptyWithNoRegistry(t *testing.T) {
	src := &daemonSource{}
	events, err := src.FetchEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if events != nil {
		t.Fatalf("FetchEvents: got %v, want nil with no registry attached", events)
	}
}
