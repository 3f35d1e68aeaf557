// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Branch is a single dirs= entry from the command line or mount option
// string (spec.md §6): a root directory and its read-only/read-write
// permission, in the priority order given on the command line (branch 0
// is highest priority).
type Branch struct {
	Path ResolvedPath `yaml:"path"`
	Perm BranchPerm   `yaml:"perm"`
}

type Config struct {
	AppName string `yaml:"app-name"`

	// Branches lists every lower filesystem backing the union, highest
	// priority first. Populated from the --dirs flag (spec.md §6), which
	// accepts "path1[=RW|=RO]:path2[=RW|=RO]:...".
	Branches []Branch `yaml:"branches"`

	MountPoint ResolvedPath `yaml:"mount-point"`

	Debug DebugConfig `yaml:"debug"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Logging LoggingConfig `yaml:"logging"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`

	// CrashLogFile, if set, receives a panic's message and stack trace
	// appended on top of whatever it already holds, so a crash during an
	// unattended mount (stderr not otherwise captured) is still diagnosable.
	CrashLogFile ResolvedPath `yaml:"crash-log-file"`
}

type FileSystemConfig struct {
	FileMode Octal `yaml:"file-mode"`

	DirMode Octal `yaml:"dir-mode"`

	Uid int `yaml:"uid"`

	Gid int `yaml:"gid"`

	// SIOQWorkers is the number of worker goroutines in the serialized
	// I/O queue that performs privileged filesystem operations on behalf
	// of unprivileged callers (spec.md §1, §9).
	SIOQWorkers int `yaml:"sioq-workers"`

	// ReaddirCacheCapacity bounds the number of open directories whose
	// merged listing cursor is retained across a closedir/opendir pair
	// (spec.md §4.9).
	ReaddirCacheCapacity int `yaml:"readdir-cache-capacity"`

	// ReaddirCacheTTL bounds how long a cached cursor survives after its
	// directory handle is released.
	ReaddirCacheTTL time.Duration `yaml:"readdir-cache-ttl"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb int `yaml:"max-file-size-mb"`

	BackupFileCount int `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	Format string `yaml:"format"`

	FilePath ResolvedPath `yaml:"file-path"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this mount.")
	if err = viper.BindPFlag("app-name", flagSet.Lookup("app-name")); err != nil {
		return err
	}

	flagSet.StringP("dirs", "o", "", "Colon-separated list of branch directories, highest priority first, each optionally suffixed =RW or =RO (default RW).")
	if err = viper.BindPFlag("dirs", flagSet.Lookup("dirs")); err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants")); err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")
	if err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex")); err != nil {
		return err
	}

	flagSet.StringP("crash-log-file", "", "", "If set, a panic's message and stack trace are appended here before the process exits.")
	if err = viper.BindPFlag("debug.crash-log-file", flagSet.Lookup("crash-log-file")); err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0644, "Permission bits for regular files, in octal. Passed to the server config; attributes and creates use the lower file's or the request's mode instead.")
	if err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode")); err != nil {
		return err
	}

	flagSet.IntP("dir-mode", "", 0755, "Permission bits for directories, in octal. Passed to the server config; attributes and creates use the lower directory's or the request's mode instead.")
	if err = viper.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode")); err != nil {
		return err
	}

	flagSet.IntP("uid", "", -1, "UID passed to the server config. Inode owners are always reported from the lower filesystem.")
	if err = viper.BindPFlag("file-system.uid", flagSet.Lookup("uid")); err != nil {
		return err
	}

	flagSet.IntP("gid", "", -1, "GID passed to the server config. Inode groups are always reported from the lower filesystem.")
	if err = viper.BindPFlag("file-system.gid", flagSet.Lookup("gid")); err != nil {
		return err
	}

	flagSet.IntP("sioq-workers", "", DefaultSIOQWorkers(), "Number of worker goroutines serializing privileged copy-up and whiteout operations.")
	if err = viper.BindPFlag("file-system.sioq-workers", flagSet.Lookup("sioq-workers")); err != nil {
		return err
	}

	flagSet.IntP("readdir-cache-capacity", "", DefaultReaddirCacheCapacity, "Maximum number of directory listings retained across closedir/opendir pairs.")
	if err = viper.BindPFlag("file-system.readdir-cache-capacity", flagSet.Lookup("readdir-cache-capacity")); err != nil {
		return err
	}

	flagSet.DurationP("readdir-cache-ttl", "", DefaultReaddirCacheTTL, "How long a directory listing cursor survives after release.")
	if err = viper.BindPFlag("file-system.readdir-cache-ttl", flagSet.Lookup("readdir-cache-ttl")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to the log file. Empty means stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	return nil
}
