// Package config loads the environment knobs that steer runtime discovery
// and the resource reaper.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultReaperImage = "testcontainers/ryuk:0.2.3"
	DefaultMarkerPath  = "/.dockerenv"
)

type Config struct {
	// DockerHost is the endpoint handed to the environment provider.
	DockerHost string `envconfig:"DOCKER_HOST"`

	// ReaperDisabled holds the raw flag. Use Disabled to interpret it.
	ReaperDisabled string `envconfig:"REAPER_DISABLED"`

	ReaperImage string `envconfig:"REAPER_IMAGE" default:"testcontainers/ryuk:0.2.3"`

	// LogsDir, when set, receives one log file per container.
	LogsDir string `envconfig:"TESTCONTAINERS_LOGS_DIR"`

	// MarkerPath is the file whose presence means this process itself runs
	// inside a container.
	MarkerPath string `envconfig:"TESTCONTAINERS_DOCKERENV" default:"/.dockerenv"`
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return &c, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ReaperImage: DefaultReaperImage,
		MarkerPath:  DefaultMarkerPath,
	}
}

// ReaperEnabled reports false when REAPER_DISABLED is "1" or any casing of
// "true".
func (c *Config) ReaperEnabled() bool {
	v := strings.TrimSpace(c.ReaperDisabled)
	return v != "1" && !strings.EqualFold(v, "true")
}
