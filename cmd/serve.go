package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/unifiedattestation/attestflow/flowserver"
)

var socketPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve attestation flows on a local unix socket",
	Long: `Serve attestation flows to co-located applications.

POST /v1/attest with {"fields": {...}} runs a flow and returns its verdict.
POST /v1/canonicalize returns the canonical request and digest only.
The server stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Close()

		orch, gw, err := newOrchestrator(ctx, logger)
		if err != nil {
			return err
		}
		defer gw.Disconnect()

		// A socket left behind by a previous server would fail the listen.
		if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot remove stale socket [%s]: %v", socketPath, err)
		}
		server, err := flowserver.New(ctx, "unix", socketPath, orch, projectID, logger)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			server.Shutdown(context.Background())
		}()

		logger.Info("flow server listening", "socket", socketPath, "project", projectID)
		fmt.Fprintf(debugOutput(), "Serving attestation flows on %s\n", socketPath)
		if err := server.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
	addEventLogFlag(serveCmd)
	addAuthFlags(serveCmd)
	serveCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/attestflow/attestflow.sock",
		"unix socket the flow server listens on")
}
