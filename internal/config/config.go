package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Backend names for the embedding/LLM provider.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

type Config struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Qdrant    QdrantConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Agent     AgentConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type ProviderConfig struct {
	// Backend selects the provider family: "openai" or "gemini".
	Backend      string
	OpenAIAPIKey string
	OpenAIBase   string
	GoogleAPIKey string
	GeminiBase   string
	ChatModel    string
	EmbedModel   string
}

type QdrantConfig struct {
	// Host is empty when the local SQLite vector index should be used instead.
	Host       string
	Port       int
	APIKey     string
	Collection string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK         int
	ChunkSize    int
	ChunkOverlap int
	MinDocLength int
}

type AgentConfig struct {
	// MaxToolRounds bounds the tool-calling loop; the model gets one final
	// reply after the budget is spent.
	MaxToolRounds int
	// AbortOnToolError controls whether a failed search tool call aborts the
	// whole answer or degrades to an empty result list.
	AbortOnToolError bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    8000,
			MCPPort: 8001,
		},
		Provider: ProviderConfig{
			Backend: BackendOpenAI,
		},
		Qdrant: QdrantConfig{
			Port:       6334,
			Collection: "book_content",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:         5,
			ChunkSize:    1000,
			ChunkOverlap: 200,
			MinDocLength: 50,
		},
		Agent: AgentConfig{
			MaxToolRounds:    5,
			AbortOnToolError: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "bookchat-data"
		}
	}
	return filepath.Join(dir, "bookchat")
}

// Load reads configuration from defaults overridden by BOOKCHAT_* environment
// variables, then validates that the selected provider backend has an API key.
func Load() (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg)

	switch cfg.Provider.Backend {
	case BackendOpenAI:
		if cfg.Provider.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("missing required config: BOOKCHAT_OPENAI_API_KEY must be set for the openai backend")
		}
	case BackendGemini:
		if cfg.Provider.GoogleAPIKey == "" {
			return Config{}, fmt.Errorf("missing required config: BOOKCHAT_GOOGLE_API_KEY must be set for the gemini backend")
		}
	default:
		return Config{}, fmt.Errorf("unsupported provider backend %q (want %q or %q)", cfg.Provider.Backend, BackendOpenAI, BackendGemini)
	}

	if cfg.Retrieval.ChunkOverlap <= 0 || cfg.Retrieval.ChunkOverlap >= cfg.Retrieval.ChunkSize {
		return Config{}, fmt.Errorf("chunk overlap %d must be between 1 and chunk size %d", cfg.Retrieval.ChunkOverlap, cfg.Retrieval.ChunkSize)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setInt("BOOKCHAT_PORT", &cfg.Server.Port)
	setInt("BOOKCHAT_MCP_PORT", &cfg.Server.MCPPort)

	setStr("BOOKCHAT_PROVIDER", &cfg.Provider.Backend)
	setStr("BOOKCHAT_OPENAI_API_KEY", &cfg.Provider.OpenAIAPIKey)
	setStr("BOOKCHAT_OPENAI_BASE_URL", &cfg.Provider.OpenAIBase)
	setStr("BOOKCHAT_GOOGLE_API_KEY", &cfg.Provider.GoogleAPIKey)
	setStr("BOOKCHAT_GEMINI_BASE_URL", &cfg.Provider.GeminiBase)
	setStr("BOOKCHAT_CHAT_MODEL", &cfg.Provider.ChatModel)
	setStr("BOOKCHAT_EMBED_MODEL", &cfg.Provider.EmbedModel)

	setStr("BOOKCHAT_QDRANT_HOST", &cfg.Qdrant.Host)
	setInt("BOOKCHAT_QDRANT_PORT", &cfg.Qdrant.Port)
	setStr("BOOKCHAT_QDRANT_API_KEY", &cfg.Qdrant.APIKey)
	setStr("BOOKCHAT_COLLECTION", &cfg.Qdrant.Collection)

	setStr("BOOKCHAT_DATA_DIR", &cfg.Storage.DataDir)

	setInt("BOOKCHAT_TOP_K", &cfg.Retrieval.TopK)
	setInt("BOOKCHAT_CHUNK_SIZE", &cfg.Retrieval.ChunkSize)
	setInt("BOOKCHAT_CHUNK_OVERLAP", &cfg.Retrieval.ChunkOverlap)
	setInt("BOOKCHAT_MIN_DOC_LENGTH", &cfg.Retrieval.MinDocLength)

	setInt("BOOKCHAT_MAX_TOOL_ROUNDS", &cfg.Agent.MaxToolRounds)
	setBool("BOOKCHAT_ABORT_ON_TOOL_ERROR", &cfg.Agent.AbortOnToolError)

	setStr("BOOKCHAT_LOG_LEVEL", &cfg.Log.Level)
}
