package config

import "time"

// LoopConfig holds per-session scheduler knobs.
type LoopConfig struct {
	// MaxSpeakersPerRound is the number of successful speeches that advance
	// the round.
	MaxSpeakersPerRound int `yaml:"max_speakers_per_round"`
	// SpeakInterval is the pause between scheduler ticks.
	SpeakInterval time.Duration `yaml:"speak_interval"`
	// MaxRounds ends the session when exceeded.
	MaxRounds int `yaml:"max_rounds"`
	// NoProgressTimeout aborts a session in which nothing has been appended.
	NoProgressTimeout time.Duration `yaml:"no_progress_timeout"`
	// UseIntentQueue drives speaker selection from agent intents when true.
	UseIntentQueue bool `yaml:"use_intent_queue"`
	// EnableStreaming publishes incremental model output as transient chunks.
	EnableStreaming bool `yaml:"enable_streaming"`
}

// DefaultLoopConfig returns the built-in scheduler defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxSpeakersPerRound: 5,
		SpeakInterval:       time.Second,
		MaxRounds:           10,
		NoProgressTimeout:   60 * time.Second,
		UseIntentQueue:      true,
		EnableStreaming:     true,
	}
}
