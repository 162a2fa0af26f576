package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"negative learning rate", func(c *Config) { c.LearningRate = -1 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"gamma above one", func(c *Config) { c.LRGamma = 1.5 }},
		{"negative patience", func(c *Config) { c.Patience = -1 }},
		{"zero max label len", func(c *Config) { c.MaxLabelLen = 0 }},
		{"empty checkpoint dir", func(c *Config) { c.CheckpointDir = "" }},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
