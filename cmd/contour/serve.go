package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"contour/manager"
	"contour/server"
)

const (
	readTimeout  = 5
	writeTimeout = 30
	idleTimeout  = 120
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve dem and contour tiles over HTTP",
	Long: `Serve answers /dem/{z}/{x}/{y}, /contours/{z}/{x}/{y}.pbf and
/preview/{z}/{x}/{y}.png, with /healthz and /metrics alongside.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts, err := globalOptions()
		if err != nil {
			return err
		}
		m, closer, err := openManager(ctx, manager.NewMetrics(prometheus.DefaultRegisterer))
		if err != nil {
			return err
		}
		defer closer.Close()

		srv := &http.Server{
			Addr:         viper.GetString("server.addr"),
			Handler:      server.New(server.Config{Manager: m, Options: opts}),
			ReadTimeout:  readTimeout * time.Second,
			WriteTimeout: writeTimeout * time.Second,
			IdleTimeout:  idleTimeout * time.Second,
		}
		errs := make(chan error, 1)
		go func() {
			log.Infof("contour server listening on %s", srv.Addr)
			errs <- srv.ListenAndServe()
		}()

		select {
		case err := <-errs:
			return err
		case <-ctx.Done():
		}
		log.Info("shutting down ~")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().Bool("worker", false, "generate tiles in a child worker process")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("server.worker", serveCmd.Flags().Lookup("worker"))
	rootCmd.AddCommand(serveCmd)
}
