// Package config handles recorder configuration
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr string

	// Whisper subprocess
	StreamBinary    string
	ModelPath       string
	Threads         int
	WindowLengthMs  int
	StepMs          int // 0 enables VAD sliding mode
	KeepMs          int
	VADThreshold    float64
	FixedInterval   bool // fallback for sources with unreliable VAD
	StartTimeout    time.Duration
	CaptureAmbient  bool
	PrimaryDevice   int // -1 = auto-detect
	AmbientDevice   int // -1 = auto-detect
	ShutdownTimeout time.Duration

	// Accumulation
	SimilarityThreshold float64
	PunctPunctWeight    float64
	PunctLetterWeight   float64
	ComparisonWindow    int // words

	// Processing
	ProcessingInterval time.Duration
	MinPauseSegments   int
	FinalJobWait       time.Duration

	// LLM endpoint (OpenAI-compatible)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Persistence
	DBPath string
}

func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),

		StreamBinary:    getEnv("WHISPER_STREAM_BINARY", "./whisper.cpp/build/bin/whisper-stream"),
		ModelPath:       getEnv("WHISPER_MODEL_PATH", "./whisper.cpp/models/ggml-base.en.bin"),
		Threads:         getEnvInt("WHISPER_THREADS", 6),
		WindowLengthMs:  getEnvInt("WHISPER_WINDOW_MS", 30000),
		StepMs:          getEnvInt("WHISPER_STEP_MS", 0),
		KeepMs:          getEnvInt("WHISPER_KEEP_MS", 200),
		VADThreshold:    getEnvFloat("VAD_THRESHOLD", 0.6),
		FixedInterval:   getEnvBool("USE_FIXED_INTERVAL", false),
		StartTimeout:    getEnvDuration("STREAM_START_TIMEOUT", 10*time.Second),
		CaptureAmbient:  getEnvBool("CAPTURE_SYSTEM_AUDIO", true),
		PrimaryDevice:   getEnvInt("PRIMARY_DEVICE_INDEX", -1),
		AmbientDevice:   getEnvInt("AMBIENT_DEVICE_INDEX", -1),
		ShutdownTimeout: getEnvDuration("STREAM_SHUTDOWN_TIMEOUT", 5*time.Second),

		SimilarityThreshold: getEnvFloat("SIMILARITY_THRESHOLD", 0.85),
		PunctPunctWeight:    getEnvFloat("PUNCT_PUNCT_WEIGHT", 0.1),
		PunctLetterWeight:   getEnvFloat("PUNCT_LETTER_WEIGHT", 0.5),
		ComparisonWindow:    getEnvInt("COMPARISON_WINDOW_WORDS", 30),

		ProcessingInterval: getEnvDuration("AUTO_PROCESSING_INTERVAL", 2*time.Minute),
		MinPauseSegments:   getEnvInt("MIN_PAUSE_SEGMENTS", 1),
		FinalJobWait:       getEnvDuration("FINAL_JOB_WAIT", 45*time.Second),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.lambda.ai/v1"),
		LLMAPIKey:  getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "llama-4-maverick-17b-128e-instruct-fp8"),
		LLMTimeout: getEnvDuration("LLM_TIMEOUT", 30*time.Second),

		DBPath: getEnv("DATABASE_PATH", "transcripts.db"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
