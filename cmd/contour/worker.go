package main

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"contour/actor"
)

// workerCmd is spawned by serve --worker. Its logs go to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Answer tile requests over stdin and stdout",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d := actor.NewWorkerDispatch(sourceOptions(), nil)
		defer d.Close()
		a := actor.New(actor.NewStreamTransport(os.Stdin, os.Stdout), d.Handlers(), 0)
		log.Debugf("worker %d ready", os.Getpid())
		<-a.Done()
		if err := a.Err(); err != nil && !errors.Is(err, actor.ErrClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
