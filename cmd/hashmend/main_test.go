package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashmend/pkg/oracle/oracletest"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HASHMEND_POW_DIFFICULTY", oracletest.Difficulty)
	t.Setenv("HASHMEND_RETRY_BASE_DELAY", "1ms")
	t.Setenv("HASHMEND_RETRY_MAX_DELAY", "1ms")
	t.Setenv("HASHMEND_WINDOW_SIZE", "256")
}

// setupFiles returns authoritative content and a path holding a copy with the
// given blocks flipped.
func setupFiles(t *testing.T, size int, corrupt ...int) ([]byte, string) {
	t.Helper()

	content := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(content)

	local := append([]byte(nil), content...)
	for _, off := range corrupt {
		local[off] ^= 0xff
	}

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, local, 0o644))
	return content, path
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "hashmend "+version+"\n", out)
}

func TestRepairCommand(t *testing.T) {
	testEnv(t)
	content, path := setupFiles(t, 1000, 64, 500, 999)

	srv := oracletest.NewServer(content, 32, oracletest.Difficulty)
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "hashes.db")
	out, err := runCLI(t, "repair", path, "--url", srv.BaseURL(), "--cache", cachePath, "--concurrency", "2")
	require.NoError(t, err)

	repaired, err := os.ReadFile(filepath.Join(filepath.Dir(path), "repaired_payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, repaired)
	assert.Equal(t, int64(3), srv.DataCalls.Load())

	assert.Contains(t, out, "REPAIR SUMMARY")
	assert.Contains(t, out, "REPAIRED")
	assert.FileExists(t, cachePath)
}

func TestRepairCommandOutputFlag(t *testing.T) {
	testEnv(t)
	content, path := setupFiles(t, 300)

	srv := oracletest.NewServer(content, 32, oracletest.Difficulty)
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "fixed.bin")
	out, err := runCLI(t, "repair", path, "-o", target, "--url", srv.BaseURL())
	require.NoError(t, err)

	repaired, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, repaired)
	assert.Contains(t, out, "INTACT")
	assert.Zero(t, srv.DataCalls.Load())
}

func TestRepairCommandPartial(t *testing.T) {
	testEnv(t)
	content, path := setupFiles(t, 512, 40, 300)

	srv := oracletest.NewServer(content, 32, oracletest.Difficulty)
	defer srv.Close()
	srv.FailData = func(offset int64) bool { return offset == 288 }

	out, err := runCLI(t, "repair", path, "--url", srv.BaseURL())
	require.NoError(t, err)

	repaired, err := os.ReadFile(filepath.Join(filepath.Dir(path), "repaired_payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, content[32:64], repaired[32:64])
	assert.NotEqual(t, content[288:320], repaired[288:320])

	assert.Contains(t, out, "PARTIAL")
	assert.Contains(t, out, "288")
}

func TestRepairCommandDataEndpointDown(t *testing.T) {
	testEnv(t)
	content, path := setupFiles(t, 512, 40, 300)

	srv := oracletest.NewServer(content, 32, oracletest.Difficulty)
	defer srv.Close()
	srv.DropData = func(offset int64) bool { return true }

	_, err := runCLI(t, "repair", path, "--url", srv.BaseURL())
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(path), "repaired_payload.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestScanCommand(t *testing.T) {
	testEnv(t)
	content, path := setupFiles(t, 1024, 100, 700)

	srv := oracletest.NewServer(content, 32, oracletest.Difficulty)
	defer srv.Close()

	out, err := runCLI(t, "scan", path, "--url", srv.BaseURL())
	require.NoError(t, err)

	assert.Contains(t, out, "CORRUPT")
	assert.Contains(t, out, "96")
	assert.Contains(t, out, "672")
	assert.Zero(t, srv.DataCalls.Load())
	_, err = os.Stat(filepath.Join(filepath.Dir(path), "repaired_payload.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestTokenCommand(t *testing.T) {
	testEnv(t)

	srv := oracletest.NewServer(nil, 32, oracletest.Difficulty)
	defer srv.Close()

	out, err := runCLI(t, "token", "--url", srv.BaseURL())
	require.NoError(t, err)

	raw, err := hex.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	assert.True(t, strings.HasPrefix(hex.EncodeToString(sum[:]), oracletest.Difficulty))
	assert.Equal(t, int64(1), srv.PoWCalls.Load())
}

func TestCommandErrors(t *testing.T) {
	testEnv(t)

	t.Run("missing url", func(t *testing.T) {
		t.Setenv("HASHMEND_ORACLE_URL", "")
		_, err := runCLI(t, "token")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := runCLI(t, "scan", filepath.Join(t.TempDir(), "nope.bin"), "--url", "http://127.0.0.1:1")
		assert.Error(t, err)
	})

	t.Run("bad config file", func(t *testing.T) {
		_, err := runCLI(t, "token", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("wrong arg count", func(t *testing.T) {
		_, err := runCLI(t, "repair")
		assert.Error(t, err)
	})
}
