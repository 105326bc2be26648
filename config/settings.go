// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Settings holds all application configuration.
type Settings struct {
	LLM        LLMConfig
	Agent      AgentConfig
	Store      StoreConfig
	Quota      QuotaConfig
	Checkpoint CheckpointConfig
	Platform   PlatformConfig
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string
	Model       string
	MaxTokens   uint32
	Temperature float64
	MaxRetries  int
	RatePerSec  float64
}

// AgentConfig holds research run policies.
type AgentConfig struct {
	Parallelism      int
	MaxRecordsPerRun int
	DefaultTopK      int
	MaxTopK          int
	SearchPageSize   int
	MaxSteps         int
	CallTimeout      time.Duration
	// AnalysisSlots bounds analyzer calls across all sessions of the process. Zero means no bound.
	AnalysisSlots int
}

// StoreConfig selects the object store backend.
type StoreConfig struct {
	Backend       string
	Root          string
	RedisAddr     string
	RedisPassword string
	GzipThreshold int
	// TranscriptDB is the SQLite file of chat transcripts.
	TranscriptDB string
}

// QuotaConfig selects the quota ledger database.
type QuotaConfig struct {
	Driver     string
	DSN        string
	PolicyFile string
}

// CheckpointConfig selects where run states and session locks live.
type CheckpointConfig struct {
	Backend string
	Path    string
	LockTTL time.Duration
}

// PlatformConfig locates the video platform API.
type PlatformConfig struct {
	BaseURL string
	APIKey  string
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o-mini", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-haiku-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// New creates settings for the specified provider, loading values from environment variables.
// An empty provider falls back to LLM_PROVIDER, then to openai.
// Returns an error if the provider is unknown or environment variables contain invalid values.
func New(provider string) (Settings, error) {
	if provider == "" {
		provider = getEnvString("LLM_PROVIDER", "openai")
	}
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	p := parser{}

	s.LLM = LLMConfig{
		Provider:    provider,
		Model:       getEnvString(info.modelEnv, info.defaultModel),
		MaxTokens:   p.getUint32("LLM_MAX_TOKENS", 4096),
		Temperature: p.getFloat64("LLM_TEMPERATURE", 0.2),
		MaxRetries:  p.getInt("LLM_MAX_RETRIES", 3),
		RatePerSec:  p.getFloat64("LLM_RATE_PER_SEC", 0),
	}

	s.Agent = AgentConfig{
		Parallelism:      p.getInt("AGENT_PARALLELISM", 8),
		MaxRecordsPerRun: p.getInt("AGENT_MAX_RECORDS_PER_RUN", 200),
		DefaultTopK:      p.getInt("AGENT_DEFAULT_TOP_K", 10),
		MaxTopK:          p.getInt("AGENT_MAX_TOP_K", 50),
		SearchPageSize:   p.getInt("AGENT_SEARCH_PAGE_SIZE", 25),
		MaxSteps:         p.getInt("AGENT_MAX_STEPS", 40),
		CallTimeout:      p.getDuration("AGENT_CALL_TIMEOUT", 60*time.Second),
		AnalysisSlots:    p.getInt("AGENT_ANALYSIS_SLOTS", 0),
	}

	s.Store = StoreConfig{
		Backend:       strings.ToLower(getEnvString("STORE_BACKEND", BackendFS)),
		Root:          getEnvString("STORE_ROOT", ".conthunt/sessions"),
		RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		GzipThreshold: p.getInt("STORE_GZIP_THRESHOLD", 32*1024),
		TranscriptDB:  getEnvString("TRANSCRIPT_DB", ".conthunt/chat.db"),
	}

	s.Quota = QuotaConfig{
		Driver:     getEnvString("QUOTA_DRIVER", "sqlite3"),
		DSN:        getEnvString("QUOTA_DSN", ".conthunt/quota.db"),
		PolicyFile: os.Getenv("QUOTA_POLICY_FILE"),
	}

	s.Checkpoint = CheckpointConfig{
		Backend: strings.ToLower(getEnvString("CHECKPOINT_BACKEND", BackendSQLite)),
		Path:    getEnvString("CHECKPOINT_PATH", ".conthunt/checkpoints.db"),
		LockTTL: p.getDuration("CHECKPOINT_LOCK_TTL", 5*time.Minute),
	}

	s.Platform = PlatformConfig{
		BaseURL: os.Getenv("PLATFORM_BASE_URL"),
		APIKey:  os.Getenv("PLATFORM_API_KEY"),
	}

	if p.err != nil {
		return Settings{}, p.err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// Validate rejects values no component can run with.
func (s Settings) Validate() error {
	switch s.Store.Backend {
	case BackendMemory, BackendFS, BackendRedis:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: want memory, fs or redis", s.Store.Backend)
	}
	switch s.Checkpoint.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid CHECKPOINT_BACKEND %q: want memory, sqlite or redis", s.Checkpoint.Backend)
	}
	switch s.Quota.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("invalid QUOTA_DRIVER %q: want sqlite3 or pgx", s.Quota.Driver)
	}
	if s.Agent.Parallelism <= 0 {
		return fmt.Errorf("AGENT_PARALLELISM must be positive, got %d", s.Agent.Parallelism)
	}
	if s.Agent.DefaultTopK <= 0 || s.Agent.DefaultTopK > s.Agent.MaxTopK {
		return fmt.Errorf("AGENT_DEFAULT_TOP_K must be in 1..%d, got %d", s.Agent.MaxTopK, s.Agent.DefaultTopK)
	}
	if s.Agent.CallTimeout <= 0 {
		return fmt.Errorf("AGENT_CALL_TIMEOUT must be positive")
	}
	return nil
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}
	return getEnvString(info.modelEnv, info.defaultModel), nil
}

// SupportedProviders returns the sorted list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// parser keeps the first malformed value so New reports one error.
type parser struct {
	err error
}

func (p *parser) fail(key, val string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
}

func (p *parser) getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return i
}

func (p *parser) getUint32(key string, defaultVal uint32) uint32 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return uint32(i)
}

func (p *parser) getFloat64(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return f
}

// getDuration accepts Go durations ("90s") or whole seconds ("90").
func (p *parser) getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.fail(key, val, err)
		return defaultVal
	}
	return d
}
