package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the working directory when no
// configuration file is given explicitly.
const DefaultFile = "cutrace.yaml"

// TraceConfig carries defaults for the trace and run commands.
type TraceConfig struct {
	Lib       string `yaml:"lib"`
	Functions string `yaml:"functions"`
	Exclude   string `yaml:"exclude"`
	Kernel    bool   `yaml:"kernel"`
	Output    string `yaml:"output"`
}

// PushConfig carries defaults for the push command.
type PushConfig struct {
	Region     string `yaml:"region"`
	Repository string `yaml:"repository"`
	Tag        string `yaml:"tag"`
}

type Config struct {
	LogLevel string      `yaml:"log-level"`
	Trace    TraceConfig `yaml:"trace"`
	Push     PushConfig  `yaml:"push"`
}

// Load reads a session configuration file. Unknown keys are rejected so
// that typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening configuration file")
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		// An empty file is a valid empty configuration.
		if err == io.EOF {
			return &Config{}, nil
		}

		return nil, errors.Wrapf(err, "decoding %s", path)
	}

	return &cfg, nil
}

// LoadOptional behaves like Load but maps a missing file to an empty
// configuration, for the implicit working-directory lookup.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}

	return cfg, err
}
