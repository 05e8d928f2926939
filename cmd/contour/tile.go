package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"contour/manager"
)

var tileOutput string

var tileCmd = &cobra.Command{
	Use:   "tile z/x/y",
	Short: "Generate a single contour tile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTileArg(args[0])
		if err != nil {
			return err
		}
		opts, err := globalOptions()
		if err != nil {
			return err
		}
		ctx := context.Background()
		m, closer, err := openManager(ctx, nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		timer := manager.NewTimer("main")
		tile, err := m.FetchContourTile(ctx, int(t.Z), int(t.X), int(t.Y), manager.OptionsForZoom(opts, int(t.Z)), timer)
		if err != nil {
			timer.Error(args[0])
			return err
		}
		timing := timer.Finish(args[0])
		out := tileOutput
		if out == "" {
			out = fmt.Sprintf("%d-%d-%d.mvt", t.Z, t.X, t.Y)
		}
		if err := os.WriteFile(out, tile.Data, 0644); err != nil {
			return err
		}
		log.Infof("wrote %s, %d bytes in %.1fms", out, len(tile.Data), timing.Duration)
		return nil
	},
}

func init() {
	tileCmd.Flags().StringVarP(&tileOutput, "output", "o", "", "output file, default z-x-y.mvt")
	rootCmd.AddCommand(tileCmd)
}
