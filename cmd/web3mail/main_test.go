package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/web3mail-go/internal/node"
)

const testMessage = `{
	"from": "Alice <alice@example.com>",
	"to": "bob@example.com",
	"subject": "Hello",
	"text": "hi bob"
}`

// isolateEnv clears the variables the CLI reads so tests see defaults.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"RPC_TRANSPORT", "RPC_URL", "RPC_TOKEN", "RPC_TIMEOUT",
		"REDIS_ADDR", "NODE_ADDRESS", "NODE_CHAIN_ID", "NODE_ACCOUNTS",
		"RELAY", "LOG_LEVEL",
	} {
		t.Setenv(env, "")
	}
	t.Setenv("LOG_LEVEL", "error")
}

func startNode(t *testing.T) *httptest.Server {
	t.Helper()
	d := node.NewDispatcher(node.DispatcherConfig{
		Mailbox:  node.NewMailbox("me@node.example"),
		ChainID:  "0x5",
		Accounts: []string{"me@node.example"},
	})
	srv := httptest.NewServer(node.NewHTTPHandler(d, "secret"))
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	return srv
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_LoopbackAddress(t *testing.T) {
	isolateEnv(t)
	t.Setenv("NODE_ADDRESS", "local@web3mail.test")

	out, err := runCLI(t, "", "-transport", "loopback", "address")
	require.NoError(t, err)
	assert.JSONEq(t, `"local@web3mail.test"`, out)
}

func TestRun_HTTPSendCountFetch(t *testing.T) {
	isolateEnv(t)
	srv := startNode(t)
	flags := []string{"-url", srv.URL, "-token", "secret"}

	path := filepath.Join(t.TempDir(), "message.json")
	require.NoError(t, os.WriteFile(path, []byte(testMessage), 0o600))

	out, err := runCLI(t, "", append(flags, "send", path)...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sent": true}`, out)

	// Second message comes from stdin.
	followUp := strings.Replace(testMessage, "hi bob", "hi again", 1)
	out, err = runCLI(t, followUp, append(flags, "send", "-")...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sent": true}`, out)

	// Sending the first message again does not store a second copy.
	_, err = runCLI(t, "", append(flags, "send", path)...)
	require.NoError(t, err)

	out, err = runCLI(t, "", append(flags, "count", "alice@example.com")...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from": "alice@example.com", "count": 2}`, out)

	out, err = runCLI(t, "", append(flags, "fetch", "alice@example.com", "1")...)
	require.NoError(t, err)
	var fetched map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &fetched))
	assert.Equal(t, "Hello", fetched["subject"])
	assert.Equal(t, "hi again", fetched["text"])
	assert.NotEmpty(t, fetched["messageId"])

	out, err = runCLI(t, "", append(flags, "status")...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"chainId": "0x5", "accounts": ["me@node.example"], "blockNumber": 2}`, out)
}

func TestRun_HTTPUnauthorized(t *testing.T) {
	isolateEnv(t)
	srv := startNode(t)

	_, err := runCLI(t, "", "-url", srv.URL, "-token", "wrong", "address")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4100")
}

func TestRun_WatchNeedsNotifications(t *testing.T) {
	isolateEnv(t)
	srv := startNode(t)

	_, err := runCLI(t, "", "-url", srv.URL, "-token", "secret", "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch needs a transport")
}

func TestRun_Usage(t *testing.T) {
	isolateEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "no command", args: nil},
		{name: "unknown flag", args: []string{"-bogus", "address"}},
		{name: "unknown command", args: []string{"-transport", "loopback", "frobnicate"}},
		{name: "count without from", args: []string{"-transport", "loopback", "count"}},
		{name: "fetch without index", args: []string{"-transport", "loopback", "fetch", "a@b.c"}},
		{name: "address with args", args: []string{"-transport", "loopback", "address", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, "", tt.args...)
			assert.True(t, errors.Is(err, errUsage), "got %v", err)
		})
	}
}

func TestRun_Errors(t *testing.T) {
	isolateEnv(t)

	_, err := runCLI(t, "", "-transport", "loopback", "fetch", "a@b.c", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid index "nope"`)

	_, err = runCLI(t, "", "-transport", "loopback", "send", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read message")

	_, err = runCLI(t, "not json", "-transport", "loopback", "send", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse message")

	_, err = runCLI(t, "", "-transport", "carrier-pigeon", "address")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
