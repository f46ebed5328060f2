// Package cmd contains a CLI to run request-bound attestation flows.
package cmd

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/unifiedattestation/attestflow/internal/logging"
)

// DefaultProjectID is the project attested when --project is not set.
const DefaultProjectID = "com.unifiedattestation.example"

// RootCmd is the entrypoint for attestctl.
var RootCmd = &cobra.Command{
	Use: "attestctl",
	Long: `Command line tool for request-bound integrity attestation.

A flow canonicalizes a request context, discovers the attestation providers
of the local TPM, lets the remote decision service pick one, issues an
integrity token bound to the request digest and submits it for verification.`,
	SilenceUsage: true,
}

var (
	projectID       string
	serverURL       string
	verbose         bool
	quiet           bool
	cloudLog        bool
	cloudLogProject string
)

func init() {
	hideHelp(RootCmd)
	RootCmd.PersistentFlags().StringVar(&projectID, "project", DefaultProjectID,
		"project identifier the flow attests for")
	RootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:4000",
		"base URL of the decision and verification service")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"print debug messages and info logs to stderr")
	RootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"print only errors")
	RootCmd.PersistentFlags().BoolVar(&cloudLog, "cloud-log", false,
		"also send logs to Cloud Logging")
	RootCmd.PersistentFlags().StringVar(&cloudLogProject, "cloud-log-project", "",
		"Cloud Logging project (defaults to the metadata server project)")
}

// messageOutput is where status and results go.
func messageOutput() io.Writer {
	if quiet {
		return io.Discard
	}
	return RootCmd.OutOrStdout()
}

// debugOutput is only written to with --verbose.
func debugOutput() io.Writer {
	if verbose {
		return RootCmd.ErrOrStderr()
	}
	return io.Discard
}

func newLogger(ctx context.Context) (logging.Logger, error) {
	if cloudLog {
		return logging.NewCloudLogger(ctx, cloudLogProject, RootCmd.ErrOrStderr())
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return logging.NewTextLogger(RootCmd.ErrOrStderr(), level), nil
}
