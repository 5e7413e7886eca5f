package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/speakup/backend/internal/llm"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Speech SpeechConfig
	Turn   TurnConfig
	Store  StoreConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	turn, err := loadTurnConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		AI:     ai,
		Speech: speech,
		Turn:   turn,
		Store:  loadStoreConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// ProxyEnabled exposes the /api/openai endpoints that attach the server-held key.
	ProxyEnabled bool
	// AllowedOrigins 为 CORS 白名单，"*" 表示任意来源。
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	proxyEnabled, err := parseBoolEnv("PROXY_ENABLED", true)
	if err != nil {
		return ServerConfig{}, err
	}

	origins := parseListEnv("CORS_ALLOWED_ORIGINS", []string{"*"})

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, ProxyEnabled: proxyEnabled, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ProxyEnabled: proxyEnabled, AllowedOrigins: origins}, nil
}

// Chat providers.
const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"
)

// Endpoint modes. Direct talks to the vendor with OPENAI_API_KEY; proxy talks to
// a same-origin relay that attaches the credential server side.
const (
	EndpointDirect = "direct"
	EndpointProxy  = "proxy"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider     string
	EndpointMode string

	// OpenAI compatible endpoint, shared with the speech services.
	APIKey   string
	BaseURL  string
	ProxyURL string
	Model    string

	// Ark credentials, used when Provider is "ark".
	ArkAPIKey    string
	ArkAccessKey string
	ArkSecretKey string
	ArkModel     string
	ArkBaseURL   string
	ArkRegion    string

	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	// HistoryLimit 限制发送给模型的历史条数，0 表示全部。
	HistoryLimit int
}

// OpenAIEnabled reports whether an OpenAI compatible endpoint is reachable with
// the current configuration.
func (c AIConfig) OpenAIEnabled() bool {
	if c.EndpointMode == EndpointProxy {
		return c.ProxyURL != ""
	}
	return c.APIKey != ""
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Provider == ProviderArk {
		return c.ArkModel != "" && (c.ArkAPIKey != "" || (c.ArkAccessKey != "" && c.ArkSecretKey != ""))
	}
	return c.Model != "" && c.OpenAIEnabled()
}

// NewOpenAIClient builds the go-openai client for the configured endpoint mode.
func (c AIConfig) NewOpenAIClient() (*openai.Client, error) {
	if !c.OpenAIEnabled() {
		return nil, fmt.Errorf("OpenAI 凭证缺失：direct 模式需要 OPENAI_API_KEY，proxy 模式需要 AI_PROXY_URL")
	}

	if c.EndpointMode == EndpointProxy {
		// The relay replaces the Authorization header, so no key leaves the server.
		cfg := openai.DefaultConfig("")
		cfg.BaseURL = strings.TrimRight(c.ProxyURL, "/")
		return openai.NewClientWithConfig(cfg), nil
	}

	cfg := openai.DefaultConfig(c.APIKey)
	if c.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.BaseURL, "/")
	}
	return openai.NewClientWithConfig(cfg), nil
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("chat model 配置缺失，provider=%s", c.Provider)
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	if c.Provider == ProviderArk {
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.ArkBaseURL,
			Region:      c.ArkRegion,
			APIKey:      c.ArkAPIKey,
			AccessKey:   c.ArkAccessKey,
			SecretKey:   c.ArkSecretKey,
			Model:       c.ArkModel,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	}

	client, err := c.NewOpenAIClient()
	if err != nil {
		return nil, err
	}
	return llm.NewOpenAIChatModel(client, llm.OpenAIConfig{
		Model:       c.Model,
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	})
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("AI_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 0
	if limit, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if limit != nil && *limit > 0 {
		historyLimit = *limit
	}

	provider := strings.ToLower(getEnvOrDefault("AI_CHAT_PROVIDER", ProviderOpenAI))
	if provider != ProviderOpenAI && provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_CHAT_PROVIDER value: %q", provider)
	}

	mode := strings.ToLower(getEnvOrDefault("AI_ENDPOINT_MODE", EndpointDirect))
	if mode != EndpointDirect && mode != EndpointProxy {
		return AIConfig{}, fmt.Errorf("invalid AI_ENDPOINT_MODE value: %q", mode)
	}

	return AIConfig{
		Provider:       provider,
		EndpointMode:   mode,
		APIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:        getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ProxyURL:       strings.TrimSpace(os.Getenv("AI_PROXY_URL")),
		Model:          getEnvOrDefault("AI_MODEL", openai.GPT4oMini),
		ArkAPIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		ArkAccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		ArkSecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		ArkModel:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		ArkBaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		ArkRegion:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		HistoryLimit:   historyLimit,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	TranscriptionModel string
	TTSModel           string
	Voice              string
	SpeedPercent       int
	Language           string
	Timeout            time.Duration
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil && *timeout > 0 {
		timeoutSeconds = *timeout
	}

	speed, err := parseOptionalIntEnv("SPEECH_SPEED_PERCENT")
	if err != nil {
		return SpeechConfig{}, err
	}
	speedPercent := 100
	if speed != nil {
		speedPercent = *speed
	}

	return SpeechConfig{
		TranscriptionModel: getEnvOrDefault("SPEECH_STT_MODEL", openai.Whisper1),
		TTSModel:           getEnvOrDefault("SPEECH_TTS_MODEL", string(openai.TTSModel1)),
		Voice:              getEnvOrDefault("SPEECH_TTS_VOICE", "shimmer"),
		SpeedPercent:       speedPercent,
		Language:           getEnvOrDefault("SPEECH_LANGUAGE", "en"),
		Timeout:            time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// TurnConfig 控制语音轮次状态机的时间参数。
type TurnConfig struct {
	SilenceTimeout     time.Duration
	RestartDelay       time.Duration
	RetryDelay         time.Duration
	MaxCaptureFailures int
	ErrorDismiss       time.Duration
}

func loadTurnConfig() (TurnConfig, error) {
	silence, err := parseDurationMillisEnv("CAPTURE_SILENCE_TIMEOUT_MS", 1500*time.Millisecond)
	if err != nil {
		return TurnConfig{}, err
	}
	restart, err := parseDurationMillisEnv("TURN_RESTART_DELAY_MS", 300*time.Millisecond)
	if err != nil {
		return TurnConfig{}, err
	}
	retry, err := parseDurationMillisEnv("TURN_RETRY_DELAY_MS", 100*time.Millisecond)
	if err != nil {
		return TurnConfig{}, err
	}
	dismiss, err := parseDurationMillisEnv("TURN_ERROR_DISMISS_MS", 4*time.Second)
	if err != nil {
		return TurnConfig{}, err
	}

	failures := 3
	if override, err := parseOptionalIntEnv("TURN_MAX_CAPTURE_FAILURES"); err != nil {
		return TurnConfig{}, err
	} else if override != nil {
		if *override < 1 {
			failures = 1
		} else {
			failures = *override
		}
	}

	return TurnConfig{
		SilenceTimeout:     silence,
		RestartDelay:       restart,
		RetryDelay:         retry,
		MaxCaptureFailures: failures,
		ErrorDismiss:       dismiss,
	}, nil
}

// StoreConfig 描述 SQLite 持久化配置，Path 为空时关闭持久化。
type StoreConfig struct {
	Path string
}

func loadStoreConfig() StoreConfig {
	raw, ok := os.LookupEnv("SPEAKUP_DB_PATH")
	if !ok {
		return StoreConfig{Path: "speakup.db"}
	}
	return StoreConfig{Path: strings.TrimSpace(raw)}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseListEnv 解析逗号分隔的列表，忽略空项。
func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationMillisEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	ms, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if ms == nil {
		return defaultValue, nil
	}
	if *ms < 0 {
		return 0, fmt.Errorf("invalid %s value %d: must not be negative", key, *ms)
	}
	return time.Duration(*ms) * time.Millisecond, nil
}
