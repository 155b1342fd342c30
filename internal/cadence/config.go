package cadence

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid cadence config")
	ErrClosed        = errors.New("distributor is closed")
)

// DefaultInvitation is sent to every cadence target.
const DefaultInvitation = "🔔 Você foi selecionado para uma entrevista!\n\nDigite:\n1 - Iniciar entrevista agora\n2 - Não quero participar"

// Config controls the pace of one tenant's cadence.
type Config struct {
	// BaseDelay is the minimum gap between two sends of the same slot.
	BaseDelay  time.Duration `mapstructure:"base_delay" json:"base_delay"`
	BatchSize  int           `mapstructure:"batch_size" json:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	// JobTTL bounds how long a job may keep targets queued.
	JobTTL time.Duration `mapstructure:"job_ttl" json:"job_ttl"`
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:  time.Second,
		BatchSize:  10,
		MaxRetries: 3,
		JobTTL:     6 * time.Hour,
	}
}

// ImmediateConfig is used for opt-in triggered fan-outs of tenants that were
// never configured explicitly.
func ImmediateConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = 500 * time.Millisecond
	return cfg
}

func (c Config) Validate() error {
	switch {
	case c.BaseDelay < 0:
		return fmt.Errorf("%w: base delay must not be negative", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	case c.JobTTL <= 0:
		return fmt.Errorf("%w: job ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.JobTTL == 0 {
		c.JobTTL = d.JobTTL
	}
	return c
}
