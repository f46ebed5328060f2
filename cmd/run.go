package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
	"github.com/unifiedattestation/attestflow/flow"
	"github.com/unifiedattestation/attestflow/gateway"
	"github.com/unifiedattestation/attestflow/gateway/tpm"
	"github.com/unifiedattestation/attestflow/internal/logging"
	"github.com/unifiedattestation/attestflow/verifier"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

var (
	retries     uint64
	accessToken string
	googleAuth  bool
)

// retryBackOff is replaced in tests.
var retryBackOff = func() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an attestation flow with the local TPM",
	Long: `Run one attestation flow and print its progress and verdict.

The TPM offers one backend per attestation key algorithm. The decision service
at --server picks a backend, the TPM quotes a nonce bound to the request digest
and the service verifies the resulting token.
--retries re-runs the whole flow with exponential backoff after failures that
may be transient, such as HTTP 503 from the service or an unavailable TPM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rc, err := requestContext()
		if err != nil {
			return err
		}

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

		attempt := func() (verifier.Verdict, error) {
			verdict, err := orch.Run(ctx, projectID, rc, flow.ObserverFunc(printStatus))
			if err != nil && !flow.IsRetryable(err) {
				return "", backoff.Permanent(err)
			}
			return verdict, err
		}
		b := backoff.WithContext(backoff.WithMaxRetries(retryBackOff(), retries), ctx)
		verdict, err := backoff.RetryNotifyWithData(attempt, b, func(err error, d time.Duration) {
			fmt.Fprintf(debugOutput(), "Retrying flow in %v after: %v\n", d, err)
		})
		if err != nil {
			return err
		}

		if claims, err := verdictClaims(verdict); err == nil {
			fmt.Fprintf(debugOutput(), "%s\nNote: these Claims are for debugging purpose and not verified\n", claims)
		}
		return nil
	},
}

// newOrchestrator connects the TPM gateway and builds an orchestrator
// talking to --server. The caller must disconnect the gateway.
func newOrchestrator(ctx context.Context, logger logging.Logger) (*flow.Orchestrator, *tpm.Gateway, error) {
	opts := []verifier.Option{verifier.WithLogger(logger)}
	ts, err := tokenSource(ctx)
	if err != nil {
		return nil, nil, err
	}
	if ts != nil {
		opts = append(opts, verifier.WithTokenSource(ts))
	}
	client, err := verifier.NewClient(serverURL, opts...)
	if err != nil {
		return nil, nil, err
	}

	gw, err := tpm.New(tpm.Options{
		Open:     tpmOpener(),
		EventLog: eventLogReader(),
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := gw.Connect(ctx); err != nil {
		return nil, nil, err
	}

	orch, err := flow.New(gw, client, client, flow.WithLogger(logger))
	if err != nil {
		gw.Disconnect()
		return nil, nil, err
	}
	fmt.Fprintf(debugOutput(), "Decision and verification service is set to %s\n", client.BaseURL())
	return orch, gw, nil
}

func tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	switch {
	case accessToken != "" && googleAuth:
		return nil, errors.New("--access-token and --google-auth are mutually exclusive")
	case accessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}), nil
	case googleAuth:
		ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
		return ts, nil
	}
	return nil, nil
}

func printStatus(e flow.Event) {
	if line := statusLine(e); line != "" {
		fmt.Fprintln(messageOutput(), line)
	}
}

// statusLine renders the progress line printed for an event.
func statusLine(e flow.Event) string {
	switch e.State {
	case flow.DiscoveringProviders:
		return "RequestHash: " + string(e.Digest)
	case flow.IssuingToken:
		return "Selected backend: " + e.Backend
	case flow.Verifying:
		return "Token received, verifying..."
	case flow.Completed:
		return "Verdict: " + string(e.Verdict)
	case flow.Failed:
		var ferr *flow.Error
		if !errors.As(e.Err, &ferr) {
			return fmt.Sprintf("Error: %v", e.Err)
		}
		switch ferr.State {
		case flow.DiscoveringProviders:
			var pde *gateway.ProviderDiscoveryError
			if errors.As(ferr.Err, &pde) {
				return fmt.Sprintf("ProviderSet error: %v %s", pde.Code, pde.Message)
			}
			return fmt.Sprintf("ProviderSet error: %v", ferr.Err)
		case flow.SelectingBackend:
			return fmt.Sprintf("Server error: %v", ferr.Err)
		case flow.IssuingToken:
			var tie *gateway.TokenIssuanceError
			if errors.As(ferr.Err, &tie) {
				return fmt.Sprintf("Token error: %v %s", tie.Code, tie.Message)
			}
			return fmt.Sprintf("Token error: %v", ferr.Err)
		case flow.Verifying:
			return fmt.Sprintf("Verify error: %v", ferr.Err)
		}
		return fmt.Sprintf("Error: %v", ferr.Err)
	}
	return ""
}

// verdictClaims pretty prints the claims of a JWT verdict without verifying it.
func verdictClaims(v verifier.Verdict) (string, error) {
	if strings.Count(string(v), ".") != 2 {
		return "", errors.New("verdict is not a JWT")
	}
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(v), mapClaims); err != nil {
		return "", fmt.Errorf("failed to parse verdict: %w", err)
	}
	claimsString, err := json.MarshalIndent(mapClaims, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format claims: %w", err)
	}
	return string(claimsString), nil
}

func init() {
	RootCmd.AddCommand(runCmd)
	addRequestFlags(runCmd)
	addEventLogFlag(runCmd)
	addAuthFlags(runCmd)
	runCmd.PersistentFlags().Uint64Var(&retries, "retries", 0,
		"number of times to re-run the flow after a retryable failure")
}

// Lets this command authenticate to the service.
func addAuthFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&accessToken, "access-token", "",
		"OAuth2 bearer token sent to the service")
	cmd.PersistentFlags().BoolVar(&googleAuth, "google-auth", false,
		"authenticate to the service with Google application default credentials")
}
