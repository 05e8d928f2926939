package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"contour/export"
)

var (
	exportMaxZoom     int
	exportOutput      string
	exportName        string
	exportDescription string
)

var exportCmd = &cobra.Command{
	Use:   "export z/x/y",
	Short: "Export the contour tiles below a root tile",
	Long: `Export renders the root tile and all its descendants down to --maxzoom
and stores them as mbtiles, pmtiles or a z/x/y.mvt directory tree.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := parseTileArg(args[0])
		if err != nil {
			return err
		}
		maxZoom := exportMaxZoom
		if maxZoom < 0 {
			maxZoom = viper.GetInt("dem.maxzoom")
		}
		if maxZoom < int(root.Z) {
			return fmt.Errorf("max zoom %d is above root zoom %d", maxZoom, root.Z)
		}
		opts, err := globalOptions()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		m, closer, err := openManager(ctx, nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		task, err := export.NewTask(export.Config{
			Manager:     m,
			Options:     opts,
			Root:        root,
			MaxZoom:     maptile.Zoom(maxZoom),
			Format:      viper.GetString("export.format"),
			Directory:   viper.GetString("export.directory"),
			File:        exportOutput,
			Name:        exportName,
			Description: exportDescription,
			Workers:     viper.GetInt("export.workers"),
			Progress:    true,
		})
		if err != nil {
			return err
		}
		start := time.Now()
		log.Infof("task %s exports %d tiles from %s to z%d ~", task.ID, task.Total, args[0], maxZoom)
		if err := task.Run(ctx); err != nil {
			return err
		}
		if f := task.File(); f != "" {
			log.Infof("task %s saved %s, takes: %.3fs", task.ID, f, time.Since(start).Seconds())
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().IntVarP(&exportMaxZoom, "maxzoom", "z", -1, "deepest zoom to export, default dem.maxzoom")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file for mbtiles and pmtiles")
	exportCmd.Flags().StringVar(&exportName, "name", "", "tileset name")
	exportCmd.Flags().StringVar(&exportDescription, "description", "", "tileset description")
	exportCmd.Flags().String("format", "mbtiles", "mbtiles, pmtiles or dir")
	exportCmd.Flags().String("directory", "output", "output directory")
	exportCmd.Flags().Int("workers", 4, "concurrent tile renders")
	viper.BindPFlag("export.format", exportCmd.Flags().Lookup("format"))
	viper.BindPFlag("export.directory", exportCmd.Flags().Lookup("directory"))
	viper.BindPFlag("export.workers", exportCmd.Flags().Lookup("workers"))
	rootCmd.AddCommand(exportCmd)
}
