package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TAGFLOW_CONFIG", "TAG_NAME", "PORT", "TAGFLOW_STORE_BACKEND", "TAGFLOW_DATA_DIR",
		"STORE_PATH", "MESSAGES_DIR", "EMBEDDINGS_DIR", "LOCATION_TOKEN_PATH", "TAGFLOW_DB_PATH",
		"VERIFY_SIGNATURE", "TAGFLOW_REQUIRE_SIGNATURE", "WEBHOOK_PUBLIC_KEY_PEM",
		"GHL_API_URL", "GHL_MESSAGES_LIST_VERSION", "GHL_MESSAGES_WRITE_VERSION",
		"HTTP_TIMEOUT", "HTTP_MAX_RETRIES", "HTTP_BACKOFF_BASE",
		"RAG_ENABLED", "RAG_MIN_SIM", "RAG_MAX_SNIPPET_CHARS", "EMBEDDING_MODEL",
		"TAGFLOW_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "TAGFLOW_BASE_URL", "OPENAI_MODEL",
		"TAGFLOW_TELEGRAM_TOKEN", "TAGFLOW_TELEGRAM_CHAT_ID",
		"BRAND_NAME", "VOICE_TONE", "CHANNEL", "LANGUAGES", "SLA_POLICY", "OUTPUT_STYLE",
		"PROMPT_FEWSHOTS_PATH", "USE_FEWSHOTS",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Server.TagName != DefaultTagName {
		t.Errorf("tagName = %q, want %q", cfg.Server.TagName, DefaultTagName)
	}
	if cfg.Compaction.Threshold != 30 || cfg.Compaction.Chunk != 15 {
		t.Errorf("compaction = %d/%d, want 30/15", cfg.Compaction.Threshold, cfg.Compaction.Chunk)
	}
	if cfg.RAG.MinSim != 0.3 {
		t.Errorf("minSim = %v, want 0.3", cfg.RAG.MinSim)
	}
	if cfg.CRM.MaxRetries != 3 || cfg.CRM.TimeoutMs != 10000 || cfg.CRM.BackoffBaseMs != 500 {
		t.Errorf("crm = %+v", cfg.CRM)
	}
	if !cfg.Webhook.VerifySignature {
		t.Error("verifySignature should be true by default")
	}
	if cfg.Webhook.RequireSignature {
		t.Error("requireSignature should be false by default")
	}
	if cfg.Store.Backend != StoreBackendFile {
		t.Errorf("backend = %q, want file", cfg.Store.Backend)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	wantData := filepath.Join(tmpDir, ".tagflow", "data")
	if cfg.Store.DataDir != wantData {
		t.Errorf("dataDir = %q, want %q", cfg.Store.DataDir, wantData)
	}
	if cfg.Store.MessagesDir != filepath.Join(wantData, "messages") {
		t.Errorf("messagesDir = %q", cfg.Store.MessagesDir)
	}
	if cfg.Store.RegistryPath != filepath.Join(wantData, "registry.json") {
		t.Errorf("registryPath = %q", cfg.Store.RegistryPath)
	}
}

func TestLoadConfig_FromJSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".tagflow")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	raw := map[string]any{
		"server":     map[string]any{"port": 9090, "tagName": "bot/on"},
		"compaction": map[string]any{"threshold": 20, "chunk": 10},
	}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config error: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.TagName != "bot/on" {
		t.Errorf("tagName = %q, want bot/on", cfg.Server.TagName)
	}
	if cfg.Compaction.Threshold != 20 || cfg.Compaction.Chunk != 10 {
		t.Errorf("compaction = %+v", cfg.Compaction)
	}
	// untouched sections keep defaults
	if cfg.RAG.MinSim != DefaultRAGMinSim {
		t.Errorf("minSim = %v, want default", cfg.RAG.MinSim)
	}
}

func TestLoadConfig_FromYAMLFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	path := filepath.Join(tmpDir, "tagflow.yaml")
	yamlBody := "server:\n  port: 7070\n  tagName: yaml/tag\nstore:\n  backend: sqlite\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("write yaml error: %v", err)
	}
	t.Setenv("TAGFLOW_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Server.TagName != "yaml/tag" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Store.Backend != StoreBackendSQLite {
		t.Errorf("backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".tagflow")
	_ = os.MkdirAll(cfgDir, 0755)
	_ = os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{broken"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	t.Setenv("TAG_NAME", "env/tag")
	t.Setenv("PORT", "9191")
	t.Setenv("GHL_API_URL", "http://crm.local")
	t.Setenv("HTTP_TIMEOUT", "2.5")
	t.Setenv("HTTP_BACKOFF_BASE", "0.25")
	t.Setenv("HTTP_MAX_RETRIES", "5")
	t.Setenv("VERIFY_SIGNATURE", "false")
	t.Setenv("RAG_ENABLED", "no")
	t.Setenv("RAG_MIN_SIM", "0.5")
	t.Setenv("RAG_MAX_SNIPPET_CHARS", "120")
	t.Setenv("MESSAGES_DIR", "/tmp/msgs")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.TagName != "env/tag" || cfg.Server.Port != 9191 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.CRM.BaseURL != "http://crm.local" {
		t.Errorf("baseUrl = %q", cfg.CRM.BaseURL)
	}
	if cfg.CRM.TimeoutMs != 2500 {
		t.Errorf("timeoutMs = %d, want 2500", cfg.CRM.TimeoutMs)
	}
	if cfg.CRM.BackoffBaseMs != 250 {
		t.Errorf("backoffBaseMs = %d, want 250", cfg.CRM.BackoffBaseMs)
	}
	if cfg.CRM.MaxRetries != 5 {
		t.Errorf("maxRetries = %d, want 5", cfg.CRM.MaxRetries)
	}
	if cfg.Webhook.VerifySignature {
		t.Error("verifySignature should be false")
	}
	if cfg.RAG.Enabled {
		t.Error("rag should be disabled")
	}
	if cfg.RAG.MinSim != 0.5 || cfg.RAG.MaxSnippetChars != 120 {
		t.Errorf("rag = %+v", cfg.RAG)
	}
	if cfg.Store.MessagesDir != "/tmp/msgs" {
		t.Errorf("messagesDir = %q", cfg.Store.MessagesDir)
	}
	if cfg.Provider.APIKey != "sk-test" || cfg.Provider.Type != "openai" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.RAG.Embedding.APIKey != "sk-test" {
		t.Errorf("embedding apiKey = %q", cfg.RAG.Embedding.APIKey)
	}
}

func TestLoadConfig_ReplyEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	t.Setenv("BRAND_NAME", "Acme")
	t.Setenv("SLA_POLICY", "answer within 5 minutes")
	t.Setenv("PROMPT_FEWSHOTS_PATH", "/etc/tagflow/fewshots.json")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Reply.BrandName != "Acme" || cfg.Reply.SLA != "answer within 5 minutes" {
		t.Errorf("reply = %+v", cfg.Reply)
	}
	if cfg.Reply.FewshotsPath != "/etc/tagflow/fewshots.json" {
		t.Errorf("fewshotsPath = %q", cfg.Reply.FewshotsPath)
	}

	t.Setenv("USE_FEWSHOTS", "false")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Reply.FewshotsPath != "" {
		t.Errorf("fewshotsPath = %q, want disabled", cfg.Reply.FewshotsPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty tag", mutate: func(c *Config) { c.Server.TagName = " " }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: true},
		{name: "bad backend", mutate: func(c *Config) { c.Store.Backend = "redis" }, wantErr: true},
		{name: "chunk above threshold", mutate: func(c *Config) { c.Compaction.Chunk = 40 }, wantErr: true},
		{name: "zero threshold", mutate: func(c *Config) { c.Compaction.Threshold = 0 }, wantErr: true},
		{name: "min sim out of range", mutate: func(c *Config) { c.RAG.MinSim = 2 }, wantErr: true},
		{name: "bad cache ttl", mutate: func(c *Config) { c.Compaction.CacheTTL = "soon" }, wantErr: true},
		{name: "telegram without token", mutate: func(c *Config) { c.Notify.Telegram.Enabled = true }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.SummaryCacheTTL(); got != time.Hour {
		t.Errorf("SummaryCacheTTL = %v, want 1h", got)
	}
	if got := cfg.GuardTTL(); got != 24*time.Hour {
		t.Errorf("GuardTTL = %v, want 24h", got)
	}
	cfg.Compaction.CacheTTL = "garbage"
	if got := cfg.SummaryCacheTTL(); got != time.Hour {
		t.Errorf("SummaryCacheTTL fallback = %v, want 1h", got)
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Server.TagName = "saved/tag"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		t.Fatalf("read saved config error: %v", err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if loaded.Server.TagName != "saved/tag" {
		t.Errorf("tagName = %q, want saved/tag", loaded.Server.TagName)
	}
}
