package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port      int              `json:"port"`
	JWTSecret string           `json:"jwt_secret"`
	LogConfig logger.LogConfig `json:"log_config"`
	Database  DatabaseConfig   `json:"database"`
	FileStore FileStoreConfig  `json:"file_store"`
	AI        AIConfig         `json:"ai"`
	Ingestion IngestionConfig  `json:"ingestion"`
	Retrieval RetrievalConfig  `json:"retrieval"`
	Turn      TurnConfig       `json:"turn"`
	Jobs      JobsConfig       `json:"jobs"`
	Metrics   MetricsConfig    `json:"metrics"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type ProviderConfig struct {
	Name string      `json:"name"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ModelConfig is one entry of the practice model catalog.
type ModelConfig struct {
	Name          string   `json:"name"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Classes       []string `json:"classes"`
	PriceInPer1K  float64  `json:"price_in_per_1k"`
	PriceOutPer1K float64  `json:"price_out_per_1k"`
}

type EmbeddingConfig struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	PricePer1K        float64 `json:"price_per_1k"`
	BatchSize         int     `json:"batch_size"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	CacheSize         int     `json:"cache_size"`
	CacheTTLMinutes   int     `json:"cache_ttl_minutes"`
}

type TitleConfig struct {
	Models         []string `json:"models"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

type RerankerConfig struct {
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	JudgeProvider  string `json:"judge_provider"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type AIConfig struct {
	Providers []ProviderConfig `json:"providers"`
	Models    []ModelConfig    `json:"models"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Title     TitleConfig      `json:"title"`
	Reranker  RerankerConfig   `json:"reranker"`
}

type IngestionConfig struct {
	ChunkSize          int    `json:"chunk_size"`
	ChunkOverlap       int    `json:"chunk_overlap"`
	MaxChunks          int    `json:"max_chunks"`
	ChunkingMode       string `json:"chunking_mode"`
	SegmentSeparator   string `json:"segment_separator"`
	ParentChunkSize    int    `json:"parent_chunk_size"`
	ParentChunkOverlap int    `json:"parent_chunk_overlap"`
	MaxUploadMB        int    `json:"max_upload_mb"`
}

type RetrievalConfig struct {
	TopK            int     `json:"top_k"`
	MinScore        float64 `json:"min_score"`
	MaxContextChars int     `json:"max_context_chars"`
}

type TurnConfig struct {
	QueueSize        int `json:"queue_size"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	RateLimitSeconds int `json:"rate_limit_seconds"`
}

type JobsConfig struct {
	StaleIngestionMinutes    int    `json:"stale_ingestion_minutes"`
	StaleIngestionSpec       string `json:"stale_ingestion_spec"`
	EmbeddingCacheMaxAgeDays int    `json:"embedding_cache_max_age_days"`
	EmbeddingCacheSpec       string `json:"embedding_cache_spec"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (c *AIConfig) FindProvider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func (c *AIConfig) FindModel(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Load reads a JSON config file. ${VAR} references are expanded from the
// environment before decoding.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(raw))))
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "local"
	}
	switch cfg.FileStore.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("file_store.type must be local or s3")
	}

	providers := make(map[string]bool, len(cfg.AI.Providers))
	for _, p := range cfg.AI.Providers {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("ai.providers entries need name and type")
		}
		providers[strings.ToLower(p.Name)] = true
	}
	for _, m := range cfg.AI.Models {
		if m.Name == "" || m.Model == "" {
			return fmt.Errorf("ai.models entries need name and model")
		}
		if !providers[strings.ToLower(m.Provider)] {
			return fmt.Errorf("ai model %s references unknown provider %s", m.Name, m.Provider)
		}
	}
	if cfg.AI.Embedding.Provider != "" && !providers[strings.ToLower(cfg.AI.Embedding.Provider)] {
		return fmt.Errorf("ai.embedding.provider %s is not configured", cfg.AI.Embedding.Provider)
	}
	if cfg.AI.Embedding.BatchSize <= 0 {
		cfg.AI.Embedding.BatchSize = 64
	}
	if cfg.AI.Embedding.CacheSize == 0 {
		cfg.AI.Embedding.CacheSize = 10000
	}
	if cfg.AI.Embedding.CacheTTLMinutes == 0 {
		cfg.AI.Embedding.CacheTTLMinutes = 120
	}
	if cfg.AI.Title.TimeoutSeconds <= 0 {
		cfg.AI.Title.TimeoutSeconds = 20
	}
	if cfg.AI.Reranker.TimeoutSeconds <= 0 {
		cfg.AI.Reranker.TimeoutSeconds = 15
	}

	if cfg.Ingestion.ChunkSize == 0 {
		cfg.Ingestion.ChunkSize = 600
	}
	if cfg.Ingestion.ChunkOverlap == 0 {
		cfg.Ingestion.ChunkOverlap = 100
	}
	if cfg.Ingestion.MaxChunks == 0 {
		cfg.Ingestion.MaxChunks = 500
	}
	if cfg.Ingestion.ChunkingMode == "" {
		cfg.Ingestion.ChunkingMode = "general"
	}
	if cfg.Ingestion.MaxUploadMB <= 0 {
		cfg.Ingestion.MaxUploadMB = 20
	}

	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.MinScore == 0 {
		cfg.Retrieval.MinScore = 0.3
	}
	if cfg.Retrieval.MaxContextChars <= 0 {
		cfg.Retrieval.MaxContextChars = 6000
	}

	if cfg.Turn.QueueSize <= 0 {
		cfg.Turn.QueueSize = 64
	}
	if cfg.Turn.TimeoutSeconds <= 0 {
		cfg.Turn.TimeoutSeconds = 120
	}

	if cfg.Jobs.StaleIngestionMinutes <= 0 {
		cfg.Jobs.StaleIngestionMinutes = 30
	}
	if cfg.Jobs.StaleIngestionSpec == "" {
		cfg.Jobs.StaleIngestionSpec = "*/5 * * * *"
	}
	if cfg.Jobs.EmbeddingCacheMaxAgeDays <= 0 {
		cfg.Jobs.EmbeddingCacheMaxAgeDays = 30
	}
	if cfg.Jobs.EmbeddingCacheSpec == "" {
		cfg.Jobs.EmbeddingCacheSpec = "0 3 * * *"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return nil
}
