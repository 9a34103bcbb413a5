package main

import (
	"context"
	"fmt"

	"github.com/flycow/snapfs/internal/lifecycle"
	"github.com/flycow/snapfs/internal/registry"
	"github.com/flycow/snapfs/internal/super"
	"github.com/flycow/snapfs/monitor"
)

// daemonSource is the concrete monitor.Source adapter over an in-process
// lifecycle.Manager and registry.DB, the daemon's equivalent of the
// teacher's DataFetcher pulling from its admin client and sqlite database.
type daemonSource struct {
	mgr      *lifecycle.Manager
	registry *registry.DB
}

func (d *daemonSource) FetchChain(ctx context.Context) ([]monitor.ChainRow, error) {
	nodes := d.mgr.Chain().All()
	rows := make([]monitor.ChainRow, 0, len(nodes))
	for _, n := range nodes {
		status := "pending"
		switch {
		case n.HasFlag(super.ACTIVE):
			status = "active"
		case n.HasFlag(super.DELETED):
			status = "error"
		}

		var generation, diskSize string
		if inode, err := d.mgr.Inode(ctx, n.Ino); err == nil {
			generation = fmt.Sprintf("%d", inode.Generation)
			diskSize = fmt.Sprintf("%d", inode.DiskSize)
		}

		rows = append(rows, monitor.ChainRow{
			Inode:      fmt.Sprintf("%d", n.Ino),
			Flags:      n.Flags.String(),
			Status:     status,
			Generation: generation,
			DiskSize:   diskSize,
		})
	}
	return rows, nil
}

func (d *daemonSource) FetchEvents(ctx context.Context, limit int) ([]monitor.LogEntry, error) {
	if d.registry == nil {
		return nil, nil
	}
	events, err := d.registry.ListRecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("snapfsd: fetching events: %w", err)
	}
	entries := make([]monitor.LogEntry, 0, len(events))
	for _, e := range events {
		level := "ok"
		if e.Outcome == registry.OutcomeError {
			level = "error"
		}
		msg := fmt.Sprintf("%s ino=%d", e.Operation, e.SnapshotIno)
		if e.Detail != "" {
			msg += ": " + e.Detail
		}
		entries = append(entries, monitor.LogEntry{Timestamp: e.RecordedAt, Level: level, Message: msg})
	}
	return entries, nil
}
