package execution

import (
	"os"
	"slices"

	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Backend, runtime and tracing selectors.
const (
	BackendCPU = "cpu"

	RuntimeSerial   = "serial"
	RuntimeParallel = "parallel"

	TracingGraph    = "graph"
	TracingCompiled = "compiled"
)

// ErrConfig is returned for invalid configurations.
var ErrConfig = errors.New("invalid execution config")

// Config selects the execution backend, its runtime and the tracing implementation.
// It is passed explicitly to BuildContext; there is no process-wide default.
type Config struct {
	Backend  string          `yaml:"backend"`
	Runtime  string          `yaml:"runtime"`
	Tracing  string          `yaml:"tracing"`
	Parallel parallel.Config `yaml:"parallel"`
}

// DefaultConfig returns a serial CPU configuration with graph tracing.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendCPU,
		Runtime:  RuntimeSerial,
		Tracing:  TracingGraph,
		Parallel: parallel.DefaultConfig(),
	}
}

// Validate checks every selector.
func (c Config) Validate() error {
	if c.Backend != BackendCPU {
		return errors.Wrapf(ErrConfig, "unknown backend %q", c.Backend)
	}
	if !slices.Contains([]string{RuntimeSerial, RuntimeParallel}, c.Runtime) {
		return errors.Wrapf(ErrConfig, "unknown runtime %q", c.Runtime)
	}
	if !slices.Contains([]string{TracingGraph, TracingCompiled}, c.Tracing) {
		return errors.Wrapf(ErrConfig, "unknown tracing implementation %q", c.Tracing)
	}
	if c.Runtime == RuntimeParallel && (c.Parallel.Workers < 1 || c.Parallel.MinChunk < 1) {
		return errors.Wrapf(ErrConfig, "parallel runtime needs workers and min_chunk >= 1, got %d and %d",
			c.Parallel.Workers, c.Parallel.MinChunk)
	}
	return nil
}

// parallelism returns the kernel fan-out for the selected runtime.
func (c Config) parallelism() parallel.Config {
	if c.Runtime != RuntimeParallel {
		return parallel.Serial()
	}
	p := c.Parallel
	p.Enabled = true
	return p
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding execution config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading execution config %s", path)
	}
	return ParseConfig(data)
}
