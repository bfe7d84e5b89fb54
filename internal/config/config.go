package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTagName            = "ia/atendimento/ativa"
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 8081
	DefaultStoreBackend       = "file"
	DefaultMaxBodyBytes       = 1 << 20
	DefaultCRMBaseURL         = "https://services.leadconnectorhq.com"
	DefaultCRMListVersion     = "2021-04-15"
	DefaultCRMWriteVersion    = "2021-07-28"
	DefaultCRMTimeoutMs       = 10000
	DefaultCRMMaxRetries      = 3
	DefaultCRMBackoffBaseMs   = 500
	DefaultCRMHistoryLimit    = 30
	DefaultCompactThreshold   = 30
	DefaultCompactChunk       = 15
	DefaultSummaryMaxMessages = 50
	DefaultSummaryCacheSize   = 128
	DefaultSummaryCacheTTL    = "1h"
	DefaultSummaryTimeoutMs   = 10000
	DefaultRAGMinSim          = 0.3
	DefaultRAGMaxSnippetChars = 300
	DefaultRAGTopK            = 5
	DefaultRAGHashDim         = 256
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultEmbeddingBaseURL   = "https://api.openai.com"
	DefaultEmbeddingTimeoutMs = 10000
	DefaultEmbeddingBatchSize = 64
	DefaultReplyModel         = "gpt-5-nano"
	DefaultSummaryModel       = "gpt-4o-mini"
	DefaultReplyMaxTokens     = 1024
	DefaultReplyWindow        = 15
	DefaultTranscriptionModel = "whisper-1"
	DefaultMediaMaxMB         = 25
	DefaultGuardTTL           = "24h"
	DefaultCronSchedule       = "0 */10 * * * *"

	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"
)

// DefaultWebhookPublicKeyPEM is the public key the CRM signs webhook bodies with.
const DefaultWebhookPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIICIjANBgkqhkiG9w0BAQEFAAOCAg8AMIICCgKCAgEAokvo/r9tVgcfZ5DysOSC
Frm602qYV0MaAiNnX9O8KxMbiyRKWeL9JpCpVpt4XHIcBOK4u3cLSqJGOLaPuXw6
dO0t6Q/ZVdAV5Phz+ZtzPL16iCGeK9po6D6JHBpbi989mmzMryUnQJezlYJ3DVfB
csedpinheNnyYeFXolrJvcsjDtfAeRx5ByHQmTnSdFUzuAnC9/GepgLT9SM4nCpv
uxmZMxrJt5Rw+VUaQ9B8JSvbMPpez4peKaJPZHBbU3OdeCVx5klVXXZQGNHOs8gF
3kvoV5rTnXV0IknLBXlcKKAQLZcY/Q9rG6Ifi9c+5vqlvHPCUJFT5XUGG5RKgOKU
J062fRtN+rLYZUV+BjafxQauvC8wSWeYja63VSUruvmNj8xkx2zE/Juc+yjLjTXp
IocmaiFeAO6fUtNjDeFVkhf5LNb59vECyrHD2SQIrhgXpO4Q3dVNA5rw576PwTzN
h/AMfHKIjE4xQA1SZuYJmNnmVZLIZBlQAF9Ntd03rfadZ+yDiOXCCs9FkHibELhC
HULgCsnuDJHcrGNd5/Ddm5hxGQ0ASitgHeMZ0kcIOwKDOzOU53lDza6/Y09T7sYJ
PQe7z0cvj7aE4B+Ax1ZoZGPzpJlZtGXCsu9aTEGEnKzmsFqwcSsnw3JB31IGKAyk
T1hhTiaCeIY/OwwwNUY2yvcCAwEAAQ==
-----END PUBLIC KEY-----`

type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Webhook      WebhookConfig      `json:"webhook" yaml:"webhook"`
	CRM          CRMConfig          `json:"crm" yaml:"crm"`
	Compaction   CompactionConfig   `json:"compaction" yaml:"compaction"`
	RAG          RAGConfig          `json:"rag" yaml:"rag"`
	Provider     ProviderConfig     `json:"provider" yaml:"provider"`
	Reply        ReplyConfig        `json:"reply" yaml:"reply"`
	Media        MediaConfig        `json:"media" yaml:"media"`
	Notify       NotifyConfig       `json:"notify" yaml:"notify"`
	Housekeeping HousekeepingConfig `json:"housekeeping" yaml:"housekeeping"`
}

type ServerConfig struct {
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	TagName string `json:"tagName" yaml:"tagName"`
}

type StoreConfig struct {
	Backend      string `json:"backend" yaml:"backend"` // "file" (default) or "sqlite"
	DataDir      string `json:"dataDir" yaml:"dataDir"`
	RegistryPath string `json:"registryPath,omitempty" yaml:"registryPath,omitempty"`
	MessagesDir  string `json:"messagesDir,omitempty" yaml:"messagesDir,omitempty"`
	EmbeddingDir string `json:"embeddingsDir,omitempty" yaml:"embeddingsDir,omitempty"`
	DBPath       string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	TokenPath    string `json:"tokenPath,omitempty" yaml:"tokenPath,omitempty"`
}

type WebhookConfig struct {
	VerifySignature  bool   `json:"verifySignature" yaml:"verifySignature"`
	RequireSignature bool   `json:"requireSignature" yaml:"requireSignature"`
	PublicKeyPEM     string `json:"publicKeyPem,omitempty" yaml:"publicKeyPem,omitempty"`
	MaxBodyBytes     int64  `json:"maxBodyBytes,omitempty" yaml:"maxBodyBytes,omitempty"`
}

type CRMConfig struct {
	BaseURL       string `json:"baseUrl" yaml:"baseUrl"`
	ListVersion   string `json:"listVersion" yaml:"listVersion"`
	WriteVersion  string `json:"writeVersion" yaml:"writeVersion"`
	TimeoutMs     int    `json:"timeoutMs" yaml:"timeoutMs"`
	MaxRetries    int    `json:"maxRetries" yaml:"maxRetries"`
	BackoffBaseMs int    `json:"backoffBaseMs" yaml:"backoffBaseMs"`
	HistoryLimit  int    `json:"historyLimit" yaml:"historyLimit"`
}

type CompactionConfig struct {
	Threshold          int    `json:"threshold" yaml:"threshold"`
	Chunk              int    `json:"chunk" yaml:"chunk"`
	SummaryMaxMessages int    `json:"summaryMaxMessages" yaml:"summaryMaxMessages"`
	CacheSize          int    `json:"cacheSize" yaml:"cacheSize"`
	CacheTTL           string `json:"cacheTtl" yaml:"cacheTtl"`
	TimeoutMs          int    `json:"timeoutMs" yaml:"timeoutMs"`
}

type RAGConfig struct {
	Enabled         bool            `json:"enabled" yaml:"enabled"`
	MinSim          float64         `json:"minSim" yaml:"minSim"`
	MaxSnippetChars int             `json:"maxSnippetChars" yaml:"maxSnippetChars"`
	TopK            int             `json:"topK" yaml:"topK"`
	HashDim         int             `json:"hashDim" yaml:"hashDim"`
	Embedding       EmbeddingConfig `json:"embedding" yaml:"embedding"`
}

type EmbeddingConfig struct {
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	BatchSize int    `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
}

type ProviderConfig struct {
	Type         string `json:"type,omitempty" yaml:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey       string `json:"apiKey" yaml:"apiKey"`
	BaseURL      string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Model        string `json:"model" yaml:"model"`
	SummaryModel string `json:"summaryModel,omitempty" yaml:"summaryModel,omitempty"`
	MaxTokens    int    `json:"maxTokens" yaml:"maxTokens"`
}

type ReplyConfig struct {
	PromptPath  string `json:"promptPath,omitempty" yaml:"promptPath,omitempty"`
	Window      int    `json:"window" yaml:"window"`
	BrandName   string `json:"brandName,omitempty" yaml:"brandName,omitempty"`
	VoiceTone   string `json:"voiceTone,omitempty" yaml:"voiceTone,omitempty"`
	Channel     string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Languages   string `json:"languages,omitempty" yaml:"languages,omitempty"`
	SLA         string `json:"sla,omitempty" yaml:"sla,omitempty"`
	OutputStyle string `json:"outputStyle,omitempty" yaml:"outputStyle,omitempty"`

	// FewshotsPath points at a JSON list of {role, content} example turns.
	FewshotsPath string `json:"fewshotsPath,omitempty" yaml:"fewshotsPath,omitempty"`
}

type MediaConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	TranscriptionModel string `json:"transcriptionModel,omitempty" yaml:"transcriptionModel,omitempty"`
	BaseURL            string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey             string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	MaxMB              int    `json:"maxMb,omitempty" yaml:"maxMb,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Feed     FeedConfig     `json:"feed" yaml:"feed"`
}

// FeedConfig controls the GET /events websocket stream.
type FeedConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	ChatID  int64  `json:"chatId" yaml:"chatId"`
	Proxy   string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type HousekeepingConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"`
	GuardTTL string `json:"guardTtl" yaml:"guardTtl"`
}

func DefaultConfig() *Config {
	dataDir := filepath.Join(ConfigDir(), "data")
	return &Config{
		Server: ServerConfig{
			Host:    DefaultHost,
			Port:    DefaultPort,
			TagName: DefaultTagName,
		},
		Store: StoreConfig{
			Backend: DefaultStoreBackend,
			DataDir: dataDir,
		},
		Webhook: WebhookConfig{
			VerifySignature: true,
			PublicKeyPEM:    DefaultWebhookPublicKeyPEM,
			MaxBodyBytes:    DefaultMaxBodyBytes,
		},
		CRM: CRMConfig{
			BaseURL:       DefaultCRMBaseURL,
			ListVersion:   DefaultCRMListVersion,
			WriteVersion:  DefaultCRMWriteVersion,
			TimeoutMs:     DefaultCRMTimeoutMs,
			MaxRetries:    DefaultCRMMaxRetries,
			BackoffBaseMs: DefaultCRMBackoffBaseMs,
			HistoryLimit:  DefaultCRMHistoryLimit,
		},
		Compaction: CompactionConfig{
			Threshold:          DefaultCompactThreshold,
			Chunk:              DefaultCompactChunk,
			SummaryMaxMessages: DefaultSummaryMaxMessages,
			CacheSize:          DefaultSummaryCacheSize,
			CacheTTL:           DefaultSummaryCacheTTL,
			TimeoutMs:          DefaultSummaryTimeoutMs,
		},
		RAG: RAGConfig{
			Enabled:         true,
			MinSim:          DefaultRAGMinSim,
			MaxSnippetChars: DefaultRAGMaxSnippetChars,
			TopK:            DefaultRAGTopK,
			HashDim:         DefaultRAGHashDim,
			Embedding: EmbeddingConfig{
				Model:     DefaultEmbeddingModel,
				TimeoutMs: DefaultEmbeddingTimeoutMs,
				BatchSize: DefaultEmbeddingBatchSize,
			},
		},
		Provider: ProviderConfig{
			Model:        DefaultReplyModel,
			SummaryModel: DefaultSummaryModel,
			MaxTokens:    DefaultReplyMaxTokens,
		},
		Reply: ReplyConfig{
			Window: DefaultReplyWindow,
		},
		Media: MediaConfig{
			Enabled:            true,
			TranscriptionModel: DefaultTranscriptionModel,
			MaxMB:              DefaultMediaMaxMB,
		},
		Housekeeping: HousekeepingConfig{
			Enabled:  true,
			Schedule: DefaultCronSchedule,
			GuardTTL: DefaultGuardTTL,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".tagflow")
}

// ConfigPath honours TAGFLOW_CONFIG, falling back to ~/.tagflow/config.json.
func ConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("TAGFLOW_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decodeConfig(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TAG_NAME"); v != "" {
		cfg.Server.TagName = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := os.Getenv("TAGFLOW_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("TAGFLOW_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.Store.RegistryPath = v
	}
	if v := os.Getenv("MESSAGES_DIR"); v != "" {
		cfg.Store.MessagesDir = v
	}
	if v := os.Getenv("EMBEDDINGS_DIR"); v != "" {
		cfg.Store.EmbeddingDir = v
	}
	if v := os.Getenv("LOCATION_TOKEN_PATH"); v != "" {
		cfg.Store.TokenPath = v
	}
	if v := os.Getenv("TAGFLOW_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("VERIFY_SIGNATURE"); v != "" {
		cfg.Webhook.VerifySignature = parseBool(v, cfg.Webhook.VerifySignature)
	}
	if v := os.Getenv("TAGFLOW_REQUIRE_SIGNATURE"); v != "" {
		cfg.Webhook.RequireSignature = parseBool(v, cfg.Webhook.RequireSignature)
	}
	if v := os.Getenv("WEBHOOK_PUBLIC_KEY_PEM"); v != "" {
		cfg.Webhook.PublicKeyPEM = v
	}
	if v := os.Getenv("GHL_API_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv("GHL_MESSAGES_LIST_VERSION"); v != "" {
		cfg.CRM.ListVersion = v
	}
	if v := os.Getenv("GHL_MESSAGES_WRITE_VERSION"); v != "" {
		cfg.CRM.WriteVersion = v
	}
	// HTTP_TIMEOUT and HTTP_BACKOFF_BASE are expressed in seconds.
	if v := os.Getenv("HTTP_TIMEOUT"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.CRM.TimeoutMs = int(parsed * 1000)
		}
	}
	if v := os.Getenv("HTTP_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.CRM.MaxRetries = parsed
		}
	}
	if v := os.Getenv("HTTP_BACKOFF_BASE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed >= 0 {
			cfg.CRM.BackoffBaseMs = int(parsed * 1000)
		}
	}
	if v := os.Getenv("RAG_ENABLED"); v != "" {
		cfg.RAG.Enabled = parseBool(v, cfg.RAG.Enabled)
	}
	if v := os.Getenv("RAG_MIN_SIM"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RAG.MinSim = parsed
		}
	}
	if v := os.Getenv("RAG_MAX_SNIPPET_CHARS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RAG.MaxSnippetChars = parsed
		}
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.RAG.Embedding.Model = v
	}
	if v := os.Getenv("TAGFLOW_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.Provider.APIKey == "" {
			cfg.Provider.APIKey = v
			if cfg.Provider.Type == "" {
				cfg.Provider.Type = "openai"
			}
		}
		if cfg.RAG.Embedding.APIKey == "" {
			cfg.RAG.Embedding.APIKey = v
		}
		if cfg.Media.APIKey == "" {
			cfg.Media.APIKey = v
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "anthropic"
		}
	}
	if v := os.Getenv("TAGFLOW_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	for env, field := range map[string]*string{
		"BRAND_NAME":           &cfg.Reply.BrandName,
		"VOICE_TONE":           &cfg.Reply.VoiceTone,
		"CHANNEL":              &cfg.Reply.Channel,
		"LANGUAGES":            &cfg.Reply.Languages,
		"SLA_POLICY":           &cfg.Reply.SLA,
		"OUTPUT_STYLE":         &cfg.Reply.OutputStyle,
		"PROMPT_FEWSHOTS_PATH": &cfg.Reply.FewshotsPath,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("USE_FEWSHOTS"); v != "" && !parseBool(v, true) {
		cfg.Reply.FewshotsPath = ""
	}
	if v := os.Getenv("TAGFLOW_FEED_TOKEN"); v != "" {
		cfg.Notify.Feed.Token = v
	}
	if v := os.Getenv("TAGFLOW_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	if v := os.Getenv("TAGFLOW_TELEGRAM_CHAT_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = parsed
		}
	}
}

func (c *Config) fillDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultStoreBackend
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = DefaultConfig().Store.DataDir
	}
	if c.Store.RegistryPath == "" {
		c.Store.RegistryPath = filepath.Join(c.Store.DataDir, "registry.json")
	}
	if c.Store.MessagesDir == "" {
		c.Store.MessagesDir = filepath.Join(c.Store.DataDir, "messages")
	}
	if c.Store.EmbeddingDir == "" {
		c.Store.EmbeddingDir = filepath.Join(c.Store.DataDir, "embeddings")
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = filepath.Join(c.Store.DataDir, "tagflow.db")
	}
	if c.Store.TokenPath == "" {
		c.Store.TokenPath = filepath.Join(c.Store.DataDir, "location_token.json")
	}
	if c.Webhook.PublicKeyPEM == "" {
		c.Webhook.PublicKeyPEM = DefaultWebhookPublicKeyPEM
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Compaction.SummaryMaxMessages <= 0 {
		c.Compaction.SummaryMaxMessages = DefaultSummaryMaxMessages
	}
	if c.Compaction.CacheSize <= 0 {
		c.Compaction.CacheSize = DefaultSummaryCacheSize
	}
	if c.Compaction.CacheTTL == "" {
		c.Compaction.CacheTTL = DefaultSummaryCacheTTL
	}
	if c.Compaction.TimeoutMs <= 0 {
		c.Compaction.TimeoutMs = DefaultSummaryTimeoutMs
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = DefaultRAGTopK
	}
	if c.RAG.HashDim <= 0 {
		c.RAG.HashDim = DefaultRAGHashDim
	}
	if c.RAG.Embedding.BaseURL == "" {
		c.RAG.Embedding.BaseURL = DefaultEmbeddingBaseURL
	}
	if c.Reply.Window <= 0 {
		c.Reply.Window = DefaultReplyWindow
	}
	if c.Media.BaseURL == "" {
		c.Media.BaseURL = DefaultEmbeddingBaseURL
	}
	if c.Media.MaxMB <= 0 {
		c.Media.MaxMB = DefaultMediaMaxMB
	}
	if c.Housekeeping.Schedule == "" {
		c.Housekeeping.Schedule = DefaultCronSchedule
	}
	if c.Housekeeping.GuardTTL == "" {
		c.Housekeeping.GuardTTL = DefaultGuardTTL
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.TagName) == "" {
		return fmt.Errorf("config: server.tagName is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	switch c.Store.Backend {
	case StoreBackendFile, StoreBackendSQLite:
	default:
		return fmt.Errorf("config: unsupported store.backend %q", c.Store.Backend)
	}
	if c.Compaction.Threshold <= 0 {
		return fmt.Errorf("config: compaction.threshold must be positive")
	}
	if c.Compaction.Chunk <= 0 || c.Compaction.Chunk > c.Compaction.Threshold {
		return fmt.Errorf("config: compaction.chunk must be in [1, threshold], got %d", c.Compaction.Chunk)
	}
	if c.CRM.MaxRetries <= 0 {
		return fmt.Errorf("config: crm.maxRetries must be positive")
	}
	if c.CRM.TimeoutMs <= 0 {
		return fmt.Errorf("config: crm.timeoutMs must be positive")
	}
	if c.RAG.MinSim < -1 || c.RAG.MinSim > 1 {
		return fmt.Errorf("config: rag.minSim must be in [-1, 1], got %v", c.RAG.MinSim)
	}
	if c.RAG.MaxSnippetChars < 4 {
		return fmt.Errorf("config: rag.maxSnippetChars must be at least 4")
	}
	if _, err := time.ParseDuration(c.Compaction.CacheTTL); err != nil {
		return fmt.Errorf("config: compaction.cacheTtl: %w", err)
	}
	if _, err := time.ParseDuration(c.Housekeeping.GuardTTL); err != nil {
		return fmt.Errorf("config: housekeeping.guardTtl: %w", err)
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("config: notify.telegram requires token and chatId")
	}
	return nil
}

// SummaryCacheTTL returns the parsed cache TTL, defaulting on parse errors.
func (c *Config) SummaryCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Compaction.CacheTTL)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultSummaryCacheTTL)
	}
	return d
}

func (c *Config) GuardTTL() time.Duration {
	d, err := time.ParseDuration(c.Housekeeping.GuardTTL)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultGuardTTL)
	}
	return d
}

func SaveConfig(cfg *Config) error {
	dir := filepath.Dir(ConfigPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := ConfigPath()
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return fallback
}
