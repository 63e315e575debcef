package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Thresholds bound the size of the pool.
type Thresholds struct {
	Min   int `json:"nodes-min"`
	Max   int `json:"nodes-max"`
	Spare int `json:"nodes-spare"`
}

func (t Thresholds) Validate() error {
	if t.Min < 0 {
		return fmt.Errorf("nodes-min must not be negative")
	}
	if t.Max < t.Min {
		return fmt.Errorf("nodes-max must be greater than or equal to nodes-min")
	}
	if t.Spare < 0 {
		return fmt.Errorf("nodes-spare must not be negative")
	}
	return nil
}

// Settings is the part of the configuration that is reloaded at every cycle.
// A Settings value is never mutated once loaded.
type Settings struct {
	Thresholds Thresholds
	Sleep      time.Duration
	// Templates holds the node template of each cloud, without a name
	Templates map[string]NodeSpec
}

func (s Settings) Validate() error {
	if err := s.Thresholds.Validate(); err != nil {
		return err
	}
	if s.Sleep <= 0 {
		return fmt.Errorf("sleep must be greater than 0")
	}
	return nil
}

type Config struct {
	Logger *slog.Logger
	// Reload is called at the top of every cycle
	Reload func() (Settings, error)
	// OnEvent is called synchronously from the loop for every event
	OnEvent func(Event)

	NodePrefix string
	// FallbackSleep is used when no settings could ever be loaded
	FallbackSleep time.Duration
}

func Validate(config Config) error {
	if config.Reload == nil {
		return errors.New("reload function is required")
	}
	if config.NodePrefix == "" {
		return errors.New("node-prefix must not be empty")
	}
	if config.FallbackSleep <= 0 {
		return errors.New("fallback-sleep must be greater than 0")
	}
	return nil
}
