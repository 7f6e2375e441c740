package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// Operational constants for the recording pipeline. These are fixed by the
// audio contract with the client and the transcription service, not tunable
// per deployment.
const (
	// ChunkDuration bounds each encoded audio segment.
	ChunkDuration = 10 * time.Second

	// MaxChunkBytes is the largest payload the transcription service accepts.
	MaxChunkBytes = 25 * 1024 * 1024

	// MemoryPollInterval is how often the memory watcher rescans transcripts.
	MemoryPollInterval = 10 * time.Second

	// SweepInterval is how often idle sessions are swept from the registry.
	SweepInterval = time.Hour

	// SessionIdleCutoff is the age past which an idle session is swept.
	SessionIdleCutoff = 24 * time.Hour
)

type Config struct {
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	CompletionsModel   string
	TranscriptionModel string
	ImageModel         string
	AppDataPath        string
	DBPath             string
	GatewayPort        string
	HTTPPort           string
	FFmpegPath         string
	CaptureInput       string
	CaptureFormat      string
}

func getEnv(key, defaultValue string, printEnv bool) string {
	logger := log.Default()
	value := os.Getenv(key)
	if printEnv {
		logger.Info("Env", "key", key, "value", value)
	}
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvOrPanic(key string, printEnv bool) string {
	value := getEnv(key, "", printEnv)
	if value == "" {
		panic(fmt.Sprintf("Environment variable %s is not set", key))
	}
	return value
}

func LoadConfig(printEnv bool) (*Config, error) {
	_ = godotenv.Load()

	conf := &Config{
		OpenAIAPIKey:       getEnvOrPanic("OPENAI_API_KEY", false),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1", printEnv),
		CompletionsModel:   getEnv("COMPLETIONS_MODEL", "gpt-4.1-mini", printEnv),
		TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", "whisper-1", printEnv),
		ImageModel:         getEnv("IMAGE_MODEL", "dall-e-3", printEnv),
		AppDataPath:        getEnv("APP_DATA_PATH", "./output", printEnv),
		GatewayPort:        getEnv("GATEWAY_PORT", "3001", printEnv),
		HTTPPort:           getEnv("HTTP_PORT", "3002", printEnv),
		FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg", printEnv),
		CaptureInput:       getEnv("CAPTURE_INPUT", "default", printEnv),
		CaptureFormat:      getEnv("CAPTURE_FORMAT", "alsa", printEnv),
	}

	conf.DBPath = getEnv("DB_PATH", filepath.Join(conf.AppDataPath, "sqlite", "chronicle.db"), printEnv)

	return conf, nil
}

// ChunkDir is the directory holding one session's encoded audio segments.
func (c *Config) ChunkDir(sessionID string) string {
	return filepath.Join(c.AppDataPath, "chunks", sessionID)
}

// TranscriptDir holds the per-session transcript JSON files.
func (c *Config) TranscriptDir() string {
	return filepath.Join(c.AppDataPath, "transcripts")
}

// MemoryPath is the single shared memory-document file.
func (c *Config) MemoryPath() string {
	return filepath.Join(c.AppDataPath, "memory", "memory.json")
}

// ImageDir holds generated image artifacts.
func (c *Config) ImageDir() string {
	return filepath.Join(c.AppDataPath, "images")
}
