package config

import "time"

// LogConfig configures the zap logger.
type LogConfig struct {
	Level        string        `yaml:"level" mapstructure:"level" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	Format       string        `yaml:"format" mapstructure:"format" validate:"required,oneof=json console"`
	Path         string        `yaml:"path" mapstructure:"path"`
	MaxAge       time.Duration `yaml:"max_age" mapstructure:"max_age" validate:"gte=0"`
	RotationTime time.Duration `yaml:"rotation_time" mapstructure:"rotation_time" validate:"gt=0"`
}

func defaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "console",
		Path:         "",
		MaxAge:       7 * 24 * time.Hour,
		RotationTime: 24 * time.Hour,
	}
}
