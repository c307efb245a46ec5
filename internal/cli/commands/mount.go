// Copyright 2025 ScanGate Authors
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

package commands

import (
	"time"

	"github.com/spf13/cobra"

	"scangate/internal/config"
	"scangate/internal/daemon"
)

var (
	fuseDebug    bool
	drainTimeout time.Duration
)

var mountCmd = &cobra.Command{
	Use:   "mount <config.yaml>",
	Short: "Mount the layers and serve the scanning proxy in the foreground",
	Long: `Mount brings up the loop-device layers in dependency order, connects to
the scanning engine, and serves the proxy filesystem until SIGINT or
SIGTERM. The first signal drains in-flight scans and unmounts everything
in reverse order; a second signal forces an immediate unmount.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		d := daemon.New(cfg)
		d.LogLevel = logLevel
		d.Debug = fuseDebug
		if drainTimeout > 0 {
			d.DrainTimeout = drainTimeout
		}
		return d.Run()
	},
}

func init() {
	mountCmd.Flags().BoolVar(&fuseDebug, "fuse-debug", false, "log the raw FUSE protocol traffic")
	mountCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", daemon.DefaultDrainTimeout,
		"how long shutdown waits for in-flight scans")
	rootCmd.AddCommand(mountCmd)
}
