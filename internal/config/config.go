package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BotConfig holds configuration for the bot process.
type BotConfig struct {
	TelegramToken        string
	TelegramAPIBase      string
	PollTimeout          int
	SleepSeconds         int
	OpenRouterAPIKey     string
	OpenRouterBaseURL    string
	Model                string
	RequestTimeout       time.Duration
	RetryDelayOnTimeout  bool
	MaxHistoryLength     int
	LogLevel             string
	LogFormat            string
	LogOutput            string
	EventsDBPath         string
	MetricsAddr          string
	ModelProvider        string
	Commander            string
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
}

var defaults = map[string]any{
	"TG_TIMEOUT":                  30,
	"TG_SLEEP_SECONDS":            1,
	"OPENROUTER_BASE_URL":         "https://openrouter.ai/api/v1",
	"LLM_MODEL":                   "gpt-3.5-turbo",
	"LLM_REQUEST_TIMEOUT_SECONDS": 30,
	"LLM_RETRY_DELAY_ON_TIMEOUT":  false,
	"MAX_HISTORY_LENGTH":          10,
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "json",
	"LOG_OUTPUT":                  "stdout",
	"MODEL_PROVIDER":              "openai",
	"COMMANDER":                   "telegram",
	"DUMMY_PROVIDER_SCRIPT":       "ok",
	"DUMMY_COMMANDER_SCRIPT":      "ok",
	"DUMMY_SEND_SCRIPT":           "ok",
}

// newViper returns a viper instance reading the process environment, seeded
// from envFile when that file exists. Real environment variables take
// precedence over the file.
func newViper(envFile string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if envFile == "" {
		return v, nil
	}
	if _, err := os.Stat(envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("stat env file %s: %w", envFile, err)
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read env file %s: %w", envFile, err)
	}
	return v, nil
}

// LoadBotConfig reads bot configuration from the environment and the optional
// env file.
func LoadBotConfig(envFile string) (BotConfig, error) {
	v, err := newViper(envFile)
	if err != nil {
		return BotConfig{}, err
	}

	modelProvider := strings.ToLower(strings.TrimSpace(v.GetString("MODEL_PROVIDER")))
	commander := strings.ToLower(strings.TrimSpace(v.GetString("COMMANDER")))
	if modelProvider != "openai" && modelProvider != "dummy" {
		return BotConfig{}, fmt.Errorf("MODEL_PROVIDER must be openai or dummy, got %q", modelProvider)
	}
	if commander != "telegram" && commander != "dummy" {
		return BotConfig{}, fmt.Errorf("COMMANDER must be telegram or dummy, got %q", commander)
	}

	telegramToken := strings.TrimSpace(v.GetString("TELEGRAM_BOT_TOKEN"))
	if commander == "telegram" && telegramToken == "" {
		return BotConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when COMMANDER=telegram")
	}
	apiKey := strings.TrimSpace(v.GetString("OPENROUTER_API_KEY"))
	if modelProvider == "openai" && apiKey == "" {
		return BotConfig{}, fmt.Errorf("OPENROUTER_API_KEY is required in environment when MODEL_PROVIDER=openai")
	}

	pollTimeout, err := intAtLeast(v, "TG_TIMEOUT", 0)
	if err != nil {
		return BotConfig{}, err
	}
	sleepSeconds, err := intAtLeast(v, "TG_SLEEP_SECONDS", 0)
	if err != nil {
		return BotConfig{}, err
	}
	requestTimeout, err := intAtLeast(v, "LLM_REQUEST_TIMEOUT_SECONDS", 1)
	if err != nil {
		return BotConfig{}, err
	}
	maxHistory, err := intAtLeast(v, "MAX_HISTORY_LENGTH", 1)
	if err != nil {
		return BotConfig{}, err
	}

	apiBase := strings.TrimSpace(v.GetString("TELEGRAM_API_BASE"))
	if apiBase == "" {
		apiBase = fmt.Sprintf("https://api.telegram.org/bot%s", telegramToken)
	}

	return BotConfig{
		TelegramToken:        telegramToken,
		TelegramAPIBase:      strings.TrimRight(apiBase, "/"),
		PollTimeout:          pollTimeout,
		SleepSeconds:         sleepSeconds,
		OpenRouterAPIKey:     apiKey,
		OpenRouterBaseURL:    v.GetString("OPENROUTER_BASE_URL"),
		Model:                v.GetString("LLM_MODEL"),
		RequestTimeout:       time.Duration(requestTimeout) * time.Second,
		RetryDelayOnTimeout:  v.GetBool("LLM_RETRY_DELAY_ON_TIMEOUT"),
		MaxHistoryLength:     maxHistory,
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogFormat:            v.GetString("LOG_FORMAT"),
		LogOutput:            v.GetString("LOG_OUTPUT"),
		EventsDBPath:         strings.TrimSpace(v.GetString("EVENTS_DB_PATH")),
		MetricsAddr:          strings.TrimSpace(v.GetString("METRICS_ADDR")),
		ModelProvider:        modelProvider,
		Commander:            commander,
		DummyProviderScript:  v.GetString("DUMMY_PROVIDER_SCRIPT"),
		DummyCommanderScript: v.GetString("DUMMY_COMMANDER_SCRIPT"),
		DummySendScript:      v.GetString("DUMMY_SEND_SCRIPT"),
	}, nil
}

// intAtLeast parses key strictly; viper's GetInt silently maps garbage to 0.
func intAtLeast(v *viper.Viper, key string, floor int) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	if n < floor {
		return 0, fmt.Errorf("%s must be >= %d, got %d", key, floor, n)
	}
	return n, nil
}
