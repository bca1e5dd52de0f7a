package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"asyncre/config"
	"asyncre/controller"
	"asyncre/replica"
)

const version = "0.2.1"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "asyncre",
		Short:         "Asynchronous replica exchange coordinator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <control-file>",
		Short: "Run an RE campaign described by a control file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("====================================")
			fmt.Println("  Asynchronous Replica Exchange")
			fmt.Println("====================================")
			fmt.Printf("Started at: %s\n", time.Now().Format(time.ANSIC))
			fmt.Printf("Input file: %s\n", args[0])

			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			ctrl, err := controller.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := ctrl.Run(ctx); err != nil {
				return err
			}
			log.Println("Clean drain, exiting")
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(1)
		}
		if errors.Is(err, replica.ErrCorruptCheckpoint) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
