package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/unifiedattestation/attestflow/canonical"
)

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the canonical request and digest of a request context",
	Long: `Canonicalize a request context and print its SHA-256 request digest.

Fields are sorted by key, query-escaped and joined as k=v pairs with '&'. For
example --field action=login --field sessionId=123456 --field ts=1700000000
canonicalizes to "action=login&sessionId=123456&ts=1700000000".`,
	Args: cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		rc, err := requestContext()
		if err != nil {
			return err
		}
		req, digest, err := canonical.Hash(rc)
		if err != nil {
			return err
		}
		fmt.Fprintf(messageOutput(), "CanonicalRequest: %s\nRequestHash: %s\n", req, digest)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(hashCmd)
	addRequestFlags(hashCmd)
}
