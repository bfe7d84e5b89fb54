package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/cron"
	"github.com/stellarlinkco/tagflow/internal/gateway"
	"github.com/stellarlinkco/tagflow/internal/store"
)

// setupEnv points config and data at a temp dir and clears provider keys.
func setupEnv(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("TAGFLOW_CONFIG", filepath.Join(tmpDir, ".tagflow", "config.json"))
	t.Setenv("TAGFLOW_DATA_DIR", filepath.Join(tmpDir, "data"))
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "TAGFLOW_API_KEY", "TAGFLOW_TELEGRAM_TOKEN", "TAGFLOW_STORE_BACKEND"} {
		t.Setenv(key, "")
	}
	return tmpDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(cliOptions{envFiles: []string{filepath.Join(t.TempDir(), "missing.env")}})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedRegistry(t *testing.T, ids ...string) {
	t.Helper()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	defer st.Close()
	reg := store.NewRegistry()
	for _, id := range ids {
		reg.Add(id)
	}
	if err := st.SaveRegistry(context.Background(), reg); err != nil {
		t.Fatalf("SaveRegistry error: %v", err)
	}
}

func seedSession(t *testing.T, contactID string, msgs ...store.Message) {
	t.Helper()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	defer st.Close()
	sess := store.NewSession()
	sess.Messages = msgs
	if err := st.SaveSession(context.Background(), contactID, sess); err != nil {
		t.Fatalf("SaveSession error: %v", err)
	}
}

func TestRunOnboard(t *testing.T) {
	tmpDir := setupEnv(t)

	out, err := execute(t, "onboard")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out, "Created config") {
		t.Errorf("output = %q, want Created config", out)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".tagflow", "config.json")); err != nil {
		t.Errorf("config not written: %v", err)
	}
	for _, dir := range []string{"data", filepath.Join("data", "messages"), filepath.Join("data", "embeddings")} {
		if info, err := os.Stat(filepath.Join(tmpDir, dir)); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	tmpDir := setupEnv(t)
	cfgPath := filepath.Join(tmpDir, ".tagflow", "config.json")
	os.MkdirAll(filepath.Dir(cfgPath), 0755)
	os.WriteFile(cfgPath, []byte(`{"server":{"tagName":"vip"}}`), 0644)

	out, err := execute(t, "onboard")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out, "Config already exists") {
		t.Errorf("output = %q, want already exists", out)
	}
	data, _ := os.ReadFile(cfgPath)
	if !strings.Contains(string(data), "vip") {
		t.Errorf("existing config overwritten: %s", data)
	}
}

func TestRunStatus(t *testing.T) {
	setupEnv(t)
	seedRegistry(t, "c1", "c2")

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{
		"Tag: " + config.DefaultTagName,
		"API Key: not set",
		"CRM token: missing",
		"Active contacts: 2",
		"Provider: openai (default)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRunStatus_WithAPIKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("TAGFLOW_API_KEY", "sk-1234567890abcdef")

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "API Key: sk-1...cdef") {
		t.Errorf("key not masked:\n%s", out)
	}
	if strings.Contains(out, "1234567890") {
		t.Errorf("key leaked:\n%s", out)
	}
}

func TestRunStatus_WithShortAPIKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("TAGFLOW_API_KEY", "short")

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "API Key: set") {
		t.Errorf("short key output:\n%s", out)
	}
}

func TestRunStatus_ShowsJobsAndToken(t *testing.T) {
	setupEnv(t)
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	os.MkdirAll(cfg.Store.DataDir, 0755)
	token := `{"access_token":"tok","location_id":"loc9"}`
	if err := os.WriteFile(cfg.Store.TokenPath, []byte(token), 0600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	svc := cron.NewService(gateway.CronStatePath(cfg))
	if err := svc.AddJob(cron.JobGuardPrune, "0 0 * * * *", func(context.Context) (string, error) {
		return "pruned 0 entries", nil
	}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if err := svc.RunNow(cron.JobGuardPrune); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "CRM token: set (location loc9)") {
		t.Errorf("token line missing:\n%s", out)
	}
	if !strings.Contains(out, "Job guard-prune: ok") || !strings.Contains(out, "runs=1") {
		t.Errorf("job line missing:\n%s", out)
	}
}

func TestRunStatus_BadConfig(t *testing.T) {
	tmpDir := setupEnv(t)
	cfgPath := filepath.Join(tmpDir, ".tagflow", "config.json")
	os.MkdirAll(filepath.Dir(cfgPath), 0755)
	os.WriteFile(cfgPath, []byte("{not json"), 0644)

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "Config: error") {
		t.Errorf("output = %q, want config error", out)
	}
}

func TestContacts(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "contacts")
	if err != nil {
		t.Fatalf("contacts error: %v", err)
	}
	if !strings.Contains(out, "No contacts tagged") {
		t.Errorf("empty output = %q", out)
	}

	seedRegistry(t, "c2", "c1")
	out, err = execute(t, "contacts")
	if err != nil {
		t.Fatalf("contacts error: %v", err)
	}
	if !strings.Contains(out, "c1\n") || !strings.Contains(out, "c2\n") {
		t.Errorf("contacts output = %q", out)
	}

	out, err = execute(t, "contacts", "--json")
	if err != nil {
		t.Fatalf("contacts --json error: %v", err)
	}
	var payload struct {
		Tag   string   `json:"tag"`
		Count int      `json:"count"`
		IDs   []string `json:"ids"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode json output %q: %v", out, err)
	}
	if payload.Count != 2 || len(payload.IDs) != 2 || payload.Tag != config.DefaultTagName {
		t.Errorf("payload = %+v", payload)
	}
}

func TestReindex(t *testing.T) {
	setupEnv(t)
	seedSession(t, "c1",
		store.Message{Direction: store.DirectionOutbound, Body: "sure, tomorrow at 10"},
		store.Message{Direction: store.DirectionInbound, Body: "can we meet?"},
	)

	out, err := execute(t, "reindex", "c1")
	if err != nil {
		t.Fatalf("reindex error: %v", err)
	}
	if !strings.Contains(out, "Indexed 2 messages for c1") {
		t.Errorf("output = %q", out)
	}
}

func TestReindex_InvalidContact(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "reindex", "../etc"); err == nil {
		t.Fatal("expected error for invalid contact id")
	}
}

func TestReindex_RequiresArg(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "reindex"); err == nil {
		t.Fatal("expected error without contact id")
	}
}

func TestCompact(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "compact", "c1")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if !strings.Contains(out, "Nothing to compact for c1") {
		t.Errorf("empty output = %q", out)
	}

	seedSession(t, "c1",
		store.Message{Direction: store.DirectionOutbound, Body: "we open at 9"},
		store.Message{Direction: store.DirectionInbound, Body: "when do you open?"},
	)
	out, err = execute(t, "compact", "c1")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if !strings.Contains(out, "Compacted c1") {
		t.Errorf("output = %q", out)
	}

	cfg, _ := config.LoadConfig()
	st, err := store.Open(cfg.Store)
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	defer st.Close()
	sess, err := st.LoadSession(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LoadSession error: %v", err)
	}
	if len(sess.Messages) != 0 || sess.Context == "" {
		t.Errorf("session after compact = %+v", sess)
	}
}

func TestGatewayFactoryError(t *testing.T) {
	setupEnv(t)
	root := newRootCmd(cliOptions{
		envFiles: []string{filepath.Join(t.TempDir(), "missing.env")},
		gatewayFactory: func(*config.Config) (*gateway.Gateway, error) {
			return nil, os.ErrPermission
		},
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"serve"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error from gateway factory")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	setupEnv(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(envPath, []byte("TAGFLOW_TEST_TAG=from-dotenv\n"), 0644)
	t.Setenv("TAGFLOW_TEST_TAG", "")
	os.Unsetenv("TAGFLOW_TEST_TAG")

	loadEnvFiles([]string{filepath.Join(t.TempDir(), "absent.env"), envPath})
	if got := os.Getenv("TAGFLOW_TEST_TAG"); got != "from-dotenv" {
		t.Errorf("TAGFLOW_TEST_TAG = %q, want from-dotenv", got)
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                    "not set",
		"abcd":                "set",
		"sk-abcdefghijklmnop": "sk-a...mnop",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
