package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/forkful/docsync/internal/testenv"
	"github.com/forkful/docsync/pkg/docid"
)

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand("test")
	var out, stderr bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&stderr)
	if cfgPath != "" {
		args = append([]string{"--config", cfgPath}, args...)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, store, relayURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`data_dir: %s
store: %s
relay: %q
timeout: 5s
log:
  level: error
  pretty: false
`, filepath.Join(dir, "data"), store, relayURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func startRelay(t *testing.T) string {
	t.Helper()
	o := &options{
		cfg: &Config{Store: "fs", Timeout: 5 * time.Second},
		log: testenv.NewLogger(testenv.WithQuiet()),
	}
	scfg := ServeConfig{Addr: "127.0.0.1:0", DataDir: t.TempDir()}

	ctx, cancel := context.WithCancel(context.Background())
	urls := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- runRelay(ctx, o, scfg, func(url string) { urls <- url })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case url := <-urls:
		return url
	case err := <-done:
		t.Fatalf("relay did not start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not start")
	}
	return ""
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".docsync", "data"), cfg.DataDir)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, "", cfg.Relay)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "127.0.0.1:7070", cfg.Serve.Addr)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "fs", "ws://relay.example:7070")
	t.Setenv("DOCSYNC_TIMEOUT", "3s")
	t.Setenv("DOCSYNC_SERVE_ADDR", ":9999")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "fs", cfg.Store)
	assert.Equal(t, "ws://relay.example:7070", cfg.Relay)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, ":9999", cfg.Serve.Addr)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestIDCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	out, err := run(t, "", "id", "new", "-o", "json")
	require.NoError(t, err)
	var v idView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	id, err := docid.Parse(v.ID)
	require.NoError(t, err)
	assert.Equal(t, id.URI(), v.URI)

	out, err = run(t, "", "id", "check", id.URI())
	require.NoError(t, err)
	assert.Equal(t, id.String()+"\n", out)

	_, err = run(t, "", "id", "check", "not-an-id")
	require.Error(t, err)

	_, err = run(t, "", "id", "new", "-o", "xml")
	require.ErrorContains(t, err, "unknown output format")
}

func TestStatusWithoutIdentity(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := run(t, writeConfig(t, "fs", ""), "status")
	require.ErrorContains(t, err, "no root set")
}

func TestOfflineIdentity(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := writeConfig(t, "fs", "")

	out, err := run(t, cfg, "init")
	require.NoError(t, err)
	root := strings.TrimSpace(out)

	_, err = run(t, cfg, "init")
	require.ErrorContains(t, err, "a different root is already set")

	out, err = run(t, cfg, "group", "create", "home", "-o", "json")
	require.NoError(t, err)
	var g groupView
	require.NoError(t, json.Unmarshal([]byte(out), &g))
	assert.Equal(t, "home", g.Name)

	_, err = run(t, cfg, "entity", "put", "shopping", "milk", `{"qty":2}`)
	require.NoError(t, err)
	_, err = run(t, cfg, "entity", "put", "shopping", "eggs", `not json`)
	require.ErrorIs(t, err, errInvalidJSON)

	out, err = run(t, cfg, "entity", "list", "shopping", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"milk":{"qty":2}}`, out)

	out, err = run(t, cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "identity: "+root)
	assert.Contains(t, out, "state:    ready")
	assert.Contains(t, out, "home")
}

func TestTwoDevicesThroughRelay(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	url := startRelay(t)
	laptop := writeConfig(t, "sqlite", url)
	phone := writeConfig(t, "fs", url)

	out, err := run(t, laptop, "init", "-o", "json")
	require.NoError(t, err)
	var root idView
	require.NoError(t, json.Unmarshal([]byte(out), &root))

	out, err = run(t, laptop, "group", "create", "family", "-o", "json")
	require.NoError(t, err)
	var family groupView
	require.NoError(t, json.Unmarshal([]byte(out), &family))

	_, err = run(t, laptop, "entity", "put", "dishes", "soup", `{"name":"soup"}`)
	require.NoError(t, err)

	_, err = run(t, phone, "join", root.ID)
	require.NoError(t, err)

	out, err = run(t, phone, "entity", "list", "dishes", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"soup":{"name":"soup"}}`, out)

	out, err = run(t, phone, "status", "-o", "yaml")
	require.NoError(t, err)
	var st statusView
	require.NoError(t, yaml.Unmarshal([]byte(out), &st))
	assert.Equal(t, root.ID, st.Root)
	assert.Equal(t, "ready", st.State)
	require.Len(t, st.Groups, 1)
	assert.Equal(t, "family", st.Groups[0].Name)
	assert.Equal(t, family.ID, st.Groups[0].ID)
}
