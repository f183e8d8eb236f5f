// Package config loads the agent's configuration from the process
// environment, optionally seeded from a dotenv file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// defaultSystemPrompt is used when no system_prompt file is present.
const defaultSystemPrompt = `You are a friendly and helpful phone assistant. You answer calls on behalf of the person whose phone this is.

Keep your responses conversational and concise - this is a phone call, not a text chat.
- Use short sentences
- Be warm but professional
- Don't use bullet points or formatting
- Respond naturally as you would in a real phone conversation
- If you don't know something, offer to take a message

When ending a call, say goodbye naturally.`

// Config holds every tunable the agent reads from the environment. Unknown
// environment keys are ignored.
type Config struct {
	DeepgramAPIKey string
	OpenAIAPIKey   string

	Host string
	Port int

	AgentName string

	STTModel    string
	STTLanguage string

	TTSModel      string
	TTSSampleRate int

	OpenAIModel string
	MaxTokens   int

	TranscriptsDir   string
	SystemPromptPath string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; its absence is not an error. The two
// API keys are required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		Host:             getEnv("HOST", "0.0.0.0"),
		Port:             getEnvInt("PORT", 8000),
		AgentName:        getEnv("AGENT_NAME", "AI Assistant"),
		STTModel:         getEnv("STT_MODEL", "nova-2"),
		STTLanguage:      getEnv("STT_LANGUAGE", "en-US"),
		TTSModel:         getEnv("TTS_MODEL", "aura-asteria-en"),
		TTSSampleRate:    getEnvInt("TTS_SAMPLE_RATE", 8000),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		MaxTokens:        getEnvInt("MAX_TOKENS", 300),
		TranscriptsDir:   getEnv("TRANSCRIPTS_DIR", "transcripts"),
		SystemPromptPath: getEnv("SYSTEM_PROMPT_PATH", "system_prompt.md"),
	}

	if cfg.DeepgramAPIKey == "" {
		return Config{}, fmt.Errorf("DEEPGRAM_API_KEY must be set")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	return cfg, nil
}

// SystemPrompt returns the configured prompt file's contents, or the
// built-in default when the file does not exist.
func (c Config) SystemPrompt() string {
	data, err := os.ReadFile(c.SystemPromptPath)
	if err != nil {
		return defaultSystemPrompt
	}
	return string(data)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
