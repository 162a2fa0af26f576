// Package config holds the validated run configuration. It is built
// once at startup from flags and ICVLPR_* environment variables and
// passed by reference to every component; nothing reads ambient config
// after that.
package config

import (
	"fmt"
	"time"
)

// Config enumerates every recognized option with its default.
type Config struct {
	// Data
	DataDir     string `mapstructure:"data-dir" json:"data_dir"`
	MaxLabelLen int    `mapstructure:"max-label-len" json:"max_label_len"`

	// Optimization
	LearningRate float64 `mapstructure:"learning-rate" json:"learning_rate"`
	BatchSize    int     `mapstructure:"batch-size" json:"batch_size"`
	Epochs       int     `mapstructure:"epochs" json:"epochs"`
	LRStep       int     `mapstructure:"lr-step" json:"lr_step"`
	LRGamma      float64 `mapstructure:"lr-gamma" json:"lr_gamma"`
	Seed         int64   `mapstructure:"seed" json:"seed"`

	// Early stopping; 0 disables it.
	Patience int `mapstructure:"patience" json:"patience"`

	// Data loading
	Workers  int  `mapstructure:"workers" json:"workers"`
	Prefetch int  `mapstructure:"prefetch" json:"prefetch"`
	Augment  bool `mapstructure:"augment" json:"augment"`

	// Final training: train on train+val, evaluate on test.
	FinalTrain bool `mapstructure:"final-train" json:"final_train"`

	// Checkpointing
	CheckpointDir      string `mapstructure:"checkpoint-dir" json:"checkpoint_dir"`
	CheckpointPrefix   string `mapstructure:"checkpoint-prefix" json:"checkpoint_prefix"`
	CheckpointInterval int    `mapstructure:"checkpoint-interval" json:"checkpoint_interval"`
	KeepCheckpoints    int    `mapstructure:"keep-checkpoints" json:"keep_checkpoints"`
	SaveLast           bool   `mapstructure:"save-last" json:"save_last"`
	SaveOnInterrupt    bool   `mapstructure:"save-on-interrupt" json:"save_on_interrupt"`
	Resume             string `mapstructure:"resume" json:"resume"`

	// Metric sinks
	MetricsFile string `mapstructure:"metrics-file" json:"metrics_file"`
	MetricsCSV  string `mapstructure:"metrics-csv" json:"metrics_csv"`
	StatsdAddr  string `mapstructure:"statsd-addr" json:"statsd_addr"`

	// Logging
	LogLevel string `mapstructure:"log-level" json:"log_level"`
}

// Default returns the configuration the model was tuned with.
func Default() Config {
	return Config{
		DataDir:            "data",
		MaxLabelLen:        9,
		LearningRate:       0.001,
		BatchSize:          32,
		Epochs:             1500,
		LRStep:             700,
		LRGamma:            0.1,
		Seed:               time.Now().UnixNano(),
		Workers:            4,
		Prefetch:           4,
		Augment:            true,
		CheckpointDir:      "checkpoints",
		CheckpointPrefix:   "epoch",
		CheckpointInterval: 100,
		KeepCheckpoints:    5,
		SaveLast:           true,
		SaveOnInterrupt:    true,
		LogLevel:           "info",
	}
}

// Validate rejects configurations that cannot produce a meaningful run.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must be set")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning-rate must be positive, got %g", c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.LRGamma <= 0 || c.LRGamma > 1 {
		return fmt.Errorf("lr-gamma must be in (0, 1], got %g", c.LRGamma)
	}
	if c.Patience < 0 {
		return fmt.Errorf("patience must be non-negative, got %d", c.Patience)
	}
	if c.MaxLabelLen <= 0 {
		return fmt.Errorf("max-label-len must be positive, got %d", c.MaxLabelLen)
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint-dir must be set")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint-interval must be positive, got %d", c.CheckpointInterval)
	}
	return nil
}
