// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/jacobsa/fuse"

	"github.com/go-unionfs/unionfs/cfg"
	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/clock"
	"github.com/go-unionfs/unionfs/internal/logger"

	unionfs "github.com/go-unionfs/unionfs/fs"
)

// mountAndJoin builds a union file system server from newConfig, mounts it
// at mountPoint, and blocks until it is unmounted. If Debug.CrashLogFile is
// set, a panic during the mount is appended there (message and stack
// trace) before being re-raised, so a crash during an unattended/daemonized
// mount is still diagnosable after its stderr is gone.
func mountAndJoin(ctx context.Context, mountPoint string, newConfig *cfg.Config) (err error) {
	if newConfig.Debug.CrashLogFile != "" {
		cw := &CrashWriter{fileName: string(newConfig.Debug.CrashLogFile)}
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(cw, "panic: %v\n%s\n", r, debug.Stack())
				panic(r)
			}
		}()
	}

	if err := logger.Init(logger.Config{
		Format:   logger.Format(newConfig.Logging.Format),
		Severity: string(newConfig.Logging.Severity),
		FilePath: string(newConfig.Logging.FilePath),
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	// Find the current process's UID and GID. If it was invoked as root and
	// the user hasn't explicitly overridden --uid, everything is going to be
	// owned by root; print a warning since this is probably not intended.
	uid, gid := os.Getuid(), os.Getgid()
	if uid == 0 && newConfig.FileSystem.Uid < 0 {
		fmt.Fprintln(os.Stdout, `
WARNING: unionfs invoked as root. This will cause all files lacking an
owner in every branch to be owned by root. If this is not what you
intended, invoke unionfs as the user that will be interacting with the
file system.`)
	}
	if newConfig.FileSystem.Uid >= 0 {
		uid = newConfig.FileSystem.Uid
	}
	if newConfig.FileSystem.Gid >= 0 {
		gid = newConfig.FileSystem.Gid
	}

	branches := make([]unionfs.BranchSpec, len(newConfig.Branches))
	for i, b := range newConfig.Branches {
		perm := branch.ReadOnly
		if b.Perm == cfg.BranchReadWrite {
			perm = branch.ReadWrite
		}
		branches[i] = unionfs.BranchSpec{Path: string(b.Path), Perm: perm}
	}

	serverCfg := &unionfs.ServerConfig{
		Clock:                clock.RealClock{},
		Branches:             branches,
		Uid:                  uint32(uid),
		Gid:                  uint32(gid),
		FilePerms:            os.FileMode(newConfig.FileSystem.FileMode),
		DirPerms:             os.FileMode(newConfig.FileSystem.DirMode),
		SIOQWorkers:          newConfig.FileSystem.SIOQWorkers,
		ReaddirCacheCapacity: newConfig.FileSystem.ReaddirCacheCapacity,
		ReaddirCacheTTL:      newConfig.FileSystem.ReaddirCacheTTL,

		ExitOnInvariantViolation: newConfig.Debug.ExitOnInvariantViolation,
	}

	logger.Infof("Creating a new server...")
	server, err := unionfs.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("unionfs.NewServer: %w", err)
	}

	fsName := newConfig.AppName
	if fsName == "" {
		fsName = "unionfs"
	}

	logger.Infof("Mounting file system %q at %q...", fsName, mountPoint)
	mfs, err := fuse.Mount(mountPoint, server, getFuseMountConfig(fsName, newConfig))
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}
	return nil
}

func getFuseMountConfig(fsName string, newConfig *cfg.Config) *fuse.MountConfig {
	mountCfg := &fuse.MountConfig{
		FSName:     fsName,
		Subtype:    "unionfs",
		VolumeName: fsName,
		// A union mount has no object-store generation races to serialize
		// against in ReadDir, so parallel dir ops carry no extra risk.
		EnableParallelDirOps: true,
	}

	// Severity-to-fuse-logger mapping: every severity from TRACE through
	// ERROR gets the error logger (OFF gets none); TRACE additionally gets
	// the debug logger.
	if newConfig.Logging.Severity.Rank() <= cfg.ErrorLogSeverity.Rank() {
		mountCfg.ErrorLogger = log.New(os.Stderr, fsName+" fuse: ", log.LstdFlags)
	}
	if newConfig.Logging.Severity.Rank() <= cfg.TraceLogSeverity.Rank() {
		mountCfg.DebugLogger = log.New(os.Stderr, fsName+" fuse_debug: ", log.LstdFlags)
	}
	return mountCfg
}
