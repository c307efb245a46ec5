package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scangate/internal/config"
	"scangate/internal/scan"
)

var scanConfigPath string

var scanCmd = &cobra.Command{
	Use:   "scan <file>...",
	Short: "Scan files through the configured engine and print the verdicts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(scanConfigPath)
		if err != nil {
			return err
		}
		engine, err := scan.NewClamd(cfg.Engine.Network(), cfg.Engine.Address, 1, cfg.Engine.Timeout.Std())
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx := context.Background()
		infected := 0
		for _, path := range args {
			verdict, err := scanFile(ctx, engine, path)
			if err != nil {
				return err
			}
			switch {
			case verdict.IsClean():
				fmt.Printf("%s: OK\n", path)
			case verdict.IsInfected():
				fmt.Printf("%s: %s FOUND\n", path, verdict.Signature)
				infected++
			default:
				fmt.Printf("%s: ERROR %s\n", path, verdict.Reason)
			}
		}
		if infected > 0 {
			return fmt.Errorf("%d infected file(s) found", infected)
		}
		return nil
	},
}

func scanFile(ctx context.Context, engine scan.Engine, path string) (scan.Verdict, error) {
	f, err := os.Open(path)
	if err != nil {
		return scan.Verdict{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return scan.Verdict{}, err
	}
	return engine.Scan(ctx, f, fi.Size()), nil
}

func init() {
	scanCmd.Flags().StringVarP(&scanConfigPath, "config", "c", "", "scangate configuration file")
	scanCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(scanCmd)
}
