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

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-unionfs/unionfs/cfg"
)

var (
	cfgFile       string
	dirsFlag      string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "unionfs [flags] mount_point",
	Short: "Mount a union of directory trees at mount_point",
	Long: `unionfs is a FUSE filesystem that merges several directory trees
          ("branches") into a single mount point, presenting their union
          and routing writes to the highest-priority writable branch
          (cf. unionfs-fuse).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}

		if err := cfg.Rationalize(&MountConfig); err != nil {
			return fmt.Errorf("rationalizing config: %w", err)
		}
		if err := cfg.ValidateConfig(&MountConfig); err != nil {
			return err
		}

		return mountAndJoin(cmd.Context(), mountPoint, &MountConfig)
	},
}

func populateArgs(args []string) (mountPoint string, err error) {
	if len(args) != 1 {
		err = fmt.Errorf(
			"%s takes exactly one argument, the mount point. Run `%s --help` for more info.",
			filepath.Base(os.Args[0]),
			filepath.Base(os.Args[0]))
		return
	}

	mountPoint, err = filepath.Abs(args[0])
	if err != nil {
		err = fmt.Errorf("canonicalizing mount point: %w", err)
		return
	}
	mountPoint = filepath.Clean(mountPoint)
	return
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	rootCmd.PersistentFlags().StringVarP(&dirsFlag, "dirs", "o", "", "Colon-separated branch directories, highest priority first (e.g. /rw=RW:/ro1=RO:/ro2=RO).")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if dirsFlag != "" {
		if branches, err := cfg.ParseBranches(dirsFlag); err == nil {
			MountConfig.Branches = branches
		} else {
			configFileErr = fmt.Errorf("error parsing --dirs: %w", err)
			return
		}
	}

	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig)
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig)
}
