package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the voice-dismissal engine.
type Config struct {
	Deepgram DeepgramConfig
	Audio    AudioConfig
	Match    MatchConfig
	Session  SessionConfig
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type MatchConfig struct {
	Keywords     []string
	KeywordsFile string
	RewritesFile string
	Threshold    float64
}

type SessionConfig struct {
	ChunkSize     int
	ListenTimeout time.Duration
}

// Load resolves configuration from environment variables and sensible
// defaults. Dismissal phrases come from VOICEALARM_KEYWORDS (comma-separated)
// or a phrases file; when both are empty the matcher falls back to its
// built-in set. Transcript rewrite rules are read from VOICEALARM_REWRITES_FILE
// when present.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	keywordsFile := strings.TrimSpace(os.Getenv("VOICEALARM_KEYWORDS_FILE"))
	if keywordsFile == "" {
		keywordsFile = filepath.Join(home, ".config", "voicealarm", "phrases")
	}
	rewritesFile := strings.TrimSpace(os.Getenv("VOICEALARM_REWRITES_FILE"))
	if rewritesFile == "" {
		rewritesFile = filepath.Join(home, ".config", "voicealarm", "rewrites")
	}

	cfg := Config{
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:    strings.TrimSpace(os.Getenv("DEEPGRAM_LANGUAGE")),
			SmartFormat: envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("VOICEALARM_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("VOICEALARM_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("VOICEALARM_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("VOICEALARM_SAMPLE_RATE", 16000),
			Channels:        envOrDefaultInt("VOICEALARM_CHANNELS", 1),
		},
		Match: MatchConfig{
			Keywords:     splitKeywords(os.Getenv("VOICEALARM_KEYWORDS")),
			KeywordsFile: keywordsFile,
			RewritesFile: rewritesFile,
			Threshold:    envOrDefaultFloat("VOICEALARM_MATCH_THRESHOLD", 0.8),
		},
		Session: SessionConfig{
			ChunkSize:     envOrDefaultInt("VOICEALARM_AUDIO_CHUNK_SIZE", 4096),
			ListenTimeout: time.Duration(envOrDefaultInt("VOICEALARM_LISTEN_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Match.Threshold <= 0 || cfg.Match.Threshold > 1 {
		cfg.Match.Threshold = 0.8
	}
	if cfg.Session.ChunkSize < 256 {
		cfg.Session.ChunkSize = 4096
	}
	if cfg.Session.ListenTimeout <= 0 {
		cfg.Session.ListenTimeout = 30 * time.Second
	}

	return cfg, nil
}

func splitKeywords(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keywords := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			keywords = append(keywords, trimmed)
		}
	}
	return keywords
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
