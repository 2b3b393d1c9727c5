package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/archive-deposit/internal/config"
	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/snapshot"
	"github.com/ChuLiYu/archive-deposit/internal/throttle"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// fakeTool 任何參數含 "bad" 的呼叫都以驗證錯誤失敗
const fakeTool = `#!/bin/sh
case "$*" in
  *bad*)
    echo "Error in line 3: unknown column 'ra_deg'"
    echo "Error in line 7: missing value"
    exit 1
    ;;
esac
echo ok
`

// writeTestConfig 建立使用假工具與 inline 後端的配置
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	tool := filepath.Join(dir, "tool.sh")
	require.NoError(t, os.WriteFile(tool, []byte(fakeTool), 0o755))

	content := fmt.Sprintf(`
paths:
  observation_root: %[1]s/observations
  level7_root: %[1]s/level7
  state_dir: %[1]s/state
tools:
  command: %[2]s
job_manager:
  backend: inline
server:
  enabled: false
metrics:
  enabled: false
`, dir, tool)
	path := filepath.Join(dir, "deposit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return path, cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// failedObservation 讓 observations/1 的 catalogue 失敗並寫入快照
func failedObservation(t *testing.T, cfg *config.Config) {
	t.Helper()
	st, err := newStack(cfg, nil, false)
	require.NoError(t, err)
	defer st.close()

	p, err := deposit.NewObservation(st.factory, "1")
	require.NoError(t, err)
	_, err = p.AddChild(types.KindCatalogue, "bad.xml", deposit.WithCatalogueType("continuum-island"))
	require.NoError(t, err)
	require.NoError(t, st.ctrl.Register(p))

	for i := 0; i < 20; i++ {
		st.ctrl.ProgressOnce(context.Background())
		if s, err := st.ctrl.Get("observations/1"); err == nil && s.State == types.StateFailed {
			break
		}
	}
	s, err := st.ctrl.Get("observations/1")
	require.NoError(t, err)
	require.Equal(t, types.StateFailed, s.State)
	require.NoError(t, st.ctrl.Close())
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "deposit", cmd.Use, "Root command should be 'deposit'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "status", "queue", "recover", "history", "validate"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
	assert.NotNil(t, cmd.Flags().Lookup("manifest"))
}

func TestBuildQueueCommand(t *testing.T) {
	cmd := buildQueueCommand()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["show"])
	assert.True(t, names["pause"])
	assert.True(t, names["resume"])
	assert.True(t, names["limit"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"))
}

func TestBuildValidateCommand(t *testing.T) {
	cmd := buildValidateCommand()

	assert.Equal(t, "validate", cmd.Name())
	typeFlag := cmd.Flags().Lookup("type")
	require.NotNil(t, typeFlag, "Should have --type flag")
	assert.Equal(t, "t", typeFlag.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("level7"))
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), io.Discard)
	assert.Error(t, err, "Should return error for missing file")
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths: [unclosed"), 0o644))

	_, err := loadConfig(path, io.Discard)
	assert.Error(t, err, "Should return error for invalid YAML")
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("job_manager:\n  backend: pbs\n"), 0o644))

	_, err := loadConfig(path, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job_manager.backend")
}

func TestLoadConfig_SetsLogLevel(t *testing.T) {
	path, _ := writeTestConfig(t)
	require.NoError(t, os.WriteFile(path, append(mustRead(t, path), []byte("logging:\n  level: debug\n  format: json\n")...), 0o644))

	var logs bytes.Buffer
	cfg, err := loadConfig(path, &logs)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logging.Format)

	// slog 預設 logger 已改為 JSON + debug
	slog.Debug("debug enabled")
	assert.Contains(t, logs.String(), `"msg":"debug enabled"`)
}

func TestStatus(t *testing.T) {
	path, cfg := writeTestConfig(t)

	out, err := execute(t, "status", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No snapshot")

	failedObservation(t, cfg)

	out, err = execute(t, "status", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Depositables:  1")
	assert.Contains(t, out, "observations/1")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "(1 failed)")

	out, err = execute(t, "status", "--failed", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "observations/1")
}

func TestHistory(t *testing.T) {
	path, cfg := writeTestConfig(t)
	failedObservation(t, cfg)

	out, err := execute(t, "history", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "observations/1/catalogues/bad.xml")
	assert.Contains(t, out, "FAILED")

	out, err = execute(t, "history", "observations/2", "-c", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 1, "only the header is printed")

	out, err = execute(t, "history", "-n", "1", "-c", path)
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2)
}

func TestRecoverOffline(t *testing.T) {
	path, cfg := writeTestConfig(t)
	failedObservation(t, cfg)

	out, err := execute(t, "recover", "observations/1", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "observations/1 recovered to PRIORITY_DEPOSITING")

	data, err := snapshot.NewManager(cfg.SnapshotPath()).Load()
	require.NoError(t, err)
	i, ok := data.Find("observations/1")
	require.True(t, ok)
	rec := data.Depositables[i]
	assert.Equal(t, types.StatePriorityDepositing, rec.State)
	assert.Equal(t, 1, rec.FailureCount)
	require.Len(t, rec.Children, 1)
	assert.NotEqual(t, types.StateFailed, rec.Children[0].State)

	// 已不是 FAILED
	_, err = execute(t, "recover", "observations/1", "-c", path)
	assert.Error(t, err)

	_, err = execute(t, "recover", "observations/404", "-c", path)
	assert.Error(t, err)
}

func TestRecoverRemote(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/depositables/recover", r.URL.Path)
		var req struct {
			UID string `json:"uid"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = req.UID
		_ = json.NewEncoder(w).Encode(map[string]any{"uid": req.UID, "state": "STAGING"})
	}))
	defer srv.Close()

	out, err := execute(t, "recover", "observations/7", "--remote", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "observations/7", got)
	assert.Contains(t, out, "recovered to STAGING")
}

func TestQueueCommands(t *testing.T) {
	var paused bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/queue":
			_ = json.NewEncoder(w).Encode(throttle.Snapshot{
				Paused: paused,
				Types: []throttle.TypeSnapshot{
					{Type: "stage_artefact", Allowed: 2, Queued: []throttle.Entry{{ID: "a"}, {ID: "b"}}},
					{Type: "fits_import", Allowed: throttle.Unlimited},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/queue/pause":
			paused = true
			_ = json.NewEncoder(w).Encode(map[string]bool{"paused": true})
		case r.Method == http.MethodPut && r.URL.Path == "/api/queue/limits/rsync":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"unknown job type rsync"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "queue", "pause", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Queue paused: true")

	out, err = execute(t, "queue", "show", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Paused: true")
	assert.Regexp(t, `stage_artefact\s+2\s+2\s+0\s+0`, out)
	assert.Regexp(t, `fits_import\s+unlimited`, out)

	_, err = execute(t, "queue", "limit", "rsync", "3", "--addr", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job type rsync")

	_, err = execute(t, "queue", "limit", "stage_artefact", "many", "--addr", srv.URL)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := execute(t, "validate", "bad.xml", "-p", "12345", "-t", "continuum-island", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 validation errors")
	assert.Contains(t, out, "Error in line 3: unknown column 'ra_deg'")
	assert.Contains(t, out, "Error in line 7: missing value")

	out, err = execute(t, "validate", "good.xml", "-p", "AS007", "--level7", "-t", "continuum-island", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "good.xml is valid")

	_, err = execute(t, "validate", "good.xml", "-c", path)
	assert.Error(t, err, "parent id and type are required")
}

func TestNewAdminClient(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"deposit.local:9000", "http://deposit.local:9000"},
		{"https://deposit.local/", "https://deposit.local"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, newAdminClient(tt.addr).base, tt.addr)
	}
}

func TestNewStack_UnknownBackend(t *testing.T) {
	_, cfg := writeTestConfig(t)
	cfg.JobManager.Backend = "pbs"

	_, err := newStack(cfg, nil, false)
	assert.ErrorContains(t, err, "unknown job manager backend")
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
