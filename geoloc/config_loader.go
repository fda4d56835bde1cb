package geoloc

import (
	"os"

	"gopkg.in/yaml.v3"
	"github.com/pkg/errors"
)

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "reading config file")
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "marshaling config YAML")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}

	return nil
}

// DefaultConfig returns the configuration used when no file is given: flat
// terrain at 0 m and default solver settings.
func DefaultConfig() *Config {
	return &Config{
		Elevation:   ElevationConfig{Source: SourceFlat},
		ResultCache: DefaultResultCachePath,
	}
}
