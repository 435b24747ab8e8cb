// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/shiftlog/services/tracker/netprobe"
	"github.com/AleutianAI/shiftlog/services/tracker/remote"
)

// Check names used by the degradation manager to locate the built-in
// checks in a snapshot.
const (
	CheckDatabase = "database"
	CheckInternet = "internet"
	CheckRemote   = "remote_api"
	CheckDisk     = "disk_space"
	CheckMemory   = "memory"
	CheckBacklog  = "sync_backlog"
)

// Pinger is the slice of the queue store the database check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck probes the local queue database. Registered critical:
// without it no action can be recorded at all.
func DatabaseCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		return nil
	}
}

// InternetCheck runs the prober's thorough connectivity check.
func InternetCheck(p *netprobe.Prober) CheckFunc {
	return func(ctx context.Context) error {
		res := p.ThoroughCheck(ctx)
		if !res.Online() {
			return fmt.Errorf("connectivity probe failed (dns=%v tcp=%v http=%v)",
				res.DNS, res.TCP, res.HTTP)
		}
		return nil
	}
}

// RemoteAPICheck verifies the remote service accepts our credentials.
// A rejected key is just as failing as an unreachable host: either way
// sync cannot make progress.
func RemoteAPICheck(api remote.API) CheckFunc {
	return func(ctx context.Context) error {
		return api.CheckCredentials(ctx)
	}
}

// DiskSpaceCheck fails when the filesystem holding path has less than
// minFreeBytes available. The queue database lives on that filesystem;
// running it out of space corrupts nothing (SQLite aborts the write)
// but stops all recording.
func DiskSpaceCheck(path string, minFreeBytes uint64) CheckFunc {
	return func(ctx context.Context) error {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return fmt.Errorf("statfs %s: %w", path, err)
		}
		free := st.Bavail * uint64(st.Bsize)
		if free < minFreeBytes {
			return fmt.Errorf("low disk space: %d bytes free, need %d", free, minFreeBytes)
		}
		return nil
	}
}

// MemoryCheck fails when the process heap exceeds maxHeapBytes. The
// sync core is expected to stay small; sustained heap growth points at
// a leak in a long-lived loop.
func MemoryCheck(maxHeapBytes uint64) CheckFunc {
	return func(ctx context.Context) error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > maxHeapBytes {
			return fmt.Errorf("heap %d bytes exceeds limit %d", ms.HeapAlloc, maxHeapBytes)
		}
		return nil
	}
}

// Counter is the slice of the queue store the backlog check needs.
type Counter interface {
	CountUnsynced(ctx context.Context, email string) (int, error)
}

// BacklogCheck fails when the unsynced backlog exceeds maxBacklog.
// A runaway backlog means sync has been failing long enough that the
// operator should look at it even if every individual cycle reports a
// clean retry.
func BacklogCheck(c Counter, maxBacklog int) CheckFunc {
	return func(ctx context.Context) error {
		n, err := c.CountUnsynced(ctx, "")
		if err != nil {
			return fmt.Errorf("count backlog: %w", err)
		}
		if n > maxBacklog {
			return fmt.Errorf("sync backlog %d exceeds threshold %d", n, maxBacklog)
		}
		return nil
	}
}
