package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/api"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/config"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/signedcmd"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "dbvc dev\n", out)
}

func TestUsageErrors(t *testing.T) {
	code, _, errOut := run(t, "preflight")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "expects 1 argument")

	code, _, _ = run(t, "token", "--no-such-flag")
	assert.Equal(t, exitUsage, code)
}

func TestPreflight(t *testing.T) {
	t.Setenv("DBVC_CONFIG", "")
	good := writeFile(t, "good.json", `{"schema_version":"2","artifacts":[{"artifact_uid":"option:blogname","artifact_type":"option","payload":"x"}]}`)
	code, out, _ := run(t, "preflight", good)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, `"ok": true`)

	bad := writeFile(t, "bad.json", `{"schema_version":"9","artifacts":[]}`)
	code, out, errOut := run(t, "preflight", bad)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, out, `"ok": false`)
	assert.Contains(t, errOut, "Error [")
}

func TestToken(t *testing.T) {
	t.Setenv("DBVC_CONFIG", "")
	t.Setenv("DBVC_JWT_SECRET", "")
	code, _, errOut := run(t, "token", "--subject", "alice")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "secret_missing")
	assert.Contains(t, errOut, "Hint:")

	t.Setenv("DBVC_JWT_SECRET", "cli-secret")
	code, out, _ := run(t, "token", "--subject", "alice", "--role", "operator,mothership_admin")
	require.Equal(t, exitOK, code)

	claims, err := api.NewTokenValidator("cli-secret", "dbvc").Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.HasRole(api.RoleMothershipAdmin))
}

func TestSignProducesVerifiableHeaders(t *testing.T) {
	t.Setenv("DBVC_CONFIG", "")
	t.Setenv("DBVC_SHARED_SECRET", "shared")
	body := `{"channel":"stable"}`
	path := writeFile(t, "body.json", body)

	code, out, errOut := run(t, "sign", "--site", "client-1", "--body", path)
	require.Equal(t, exitOK, code, errOut)

	h := http.Header{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, ": ")
		require.True(t, ok, line)
		h.Set(k, v)
	}
	v := signedcmd.NewVerifier("shared", config.RoleClient, "client-1",
		signedcmd.NewKVNonceStore(kv.NewMemoryStore(), signedcmd.DefaultWindow, 0))
	require.NoError(t, v.Verify(context.Background(), h, []byte(body)))
	assert.Error(t, v.Verify(context.Background(), h, []byte(body)), "nonce is single use")
}

func TestCommandWithoutSecret(t *testing.T) {
	t.Setenv("DBVC_CONFIG", "")
	t.Setenv("DBVC_SHARED_SECRET", "")
	code, _, errOut := run(t, "command", "http://127.0.0.1:1", "client-1", "ping")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "secret_missing")
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := writeFile(t, "dbvc.yaml", "role: satellite\n")
	code, _, errOut := run(t, "--config", cfgPath, "maintenance")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "role must be")
}
