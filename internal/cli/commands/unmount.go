package commands

import (
	"github.com/spf13/cobra"

	"scangate/internal/config"
	"scangate/internal/daemon"
	"scangate/internal/mountmgr"
)

var unmountCmd = &cobra.Command{
	Use:   "unmount <config.yaml>",
	Short: "Tear down mounts left behind by a crashed instance",
	Long: `Unmount best-effort unmounts the proxy mountpoint and every layer
mountpoint named in the configuration, deepest first. Targets that are not
mounted are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		daemon.TeardownStale(cfg, mountmgr.RealSys{})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unmountCmd)
}
