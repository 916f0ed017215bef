package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paycore/internal/attest"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPresets(t *testing.T) {
	out, err := run(t, "presets")
	require.NoError(t, err)
	for _, name := range []string{"aggressive", "conservative", "moderate", "per-tx-cap"} {
		assert.Contains(t, out, name)
	}

	out, err = run(t, "presets", "conservative", "--json")
	require.NoError(t, err)
	var views []struct {
		Name  string `json:"name"`
		Rules []struct {
			ID string `json:"id"`
		} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "conservative", views[0].Name)
	assert.NotEmpty(t, views[0].Rules)

	_, err = run(t, "presets", "reckless")
	assert.Error(t, err)
}

func writeProof(t *testing.T, p *attest.Proof) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "proof.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestVerifyProof(t *testing.T) {
	leaves := []string{
		intent.HashString("a"), intent.HashString("b"), intent.HashString("c"),
	}
	tree, err := attest.NewTree(leaves)
	require.NoError(t, err)
	p, err := tree.Proof(leaves[2])
	require.NoError(t, err)
	path := writeProof(t, p)

	out, err := run(t, "verify-proof", "--proof", path, "--root", tree.Root())
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	_, err = run(t, "verify-proof", "--proof", path)
	require.NoError(t, err)

	_, err = run(t, "verify-proof", "--proof", path, "--root", intent.HashString("other"))
	assert.ErrorIs(t, err, errProofInvalid)

	_, err = run(t, "verify-proof")
	assert.Error(t, err)
}

func TestShippedConfigIsValid(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "configs", "paycore.yaml"))
	require.NoError(t, err)
	cfg, err := config.Parse(data)
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))
}
