package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/paycore/internal/attest"
)

var errProofInvalid = errors.New("proof does not verify")

func verifyProofCmd() *cobra.Command {
	var root, proofPath string
	cmd := &cobra.Command{
		Use:   "verify-proof",
		Short: "Check a Merkle inclusion proof against a batch root",
		Long: `Check a Merkle inclusion proof offline.

The proof file is the "proof" object returned by
GET /v1/batches/{id}/proof. Without --root the root recorded in the
proof itself is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(proofPath)
			if err != nil {
				return fmt.Errorf("read proof: %w", err)
			}
			var p attest.Proof
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("decode proof %s: %w", proofPath, err)
			}
			if root == "" {
				root = p.Root
			}
			if root == "" {
				return errors.New("no root given and none in the proof")
			}
			if !attest.VerifyProof(p, root) {
				return fmt.Errorf("%w: leaf %s against root %s", errProofInvalid, p.LeafHash, root)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: leaf %s (index %d of %d) is under root %s\n",
				p.LeafHash, p.LeafIndex, p.TreeSize, root)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "expected Merkle root (hex)")
	cmd.Flags().StringVar(&proofPath, "proof", "", "path to the proof JSON")
	_ = cmd.MarkFlagRequired("proof")
	return cmd
}
