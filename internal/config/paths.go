package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantfabric/arbengine/internal/common/errors"
)

// pathsFile is the standalone triangular-path table format. Operations teams
// maintain cycle lists separately from the engine configuration and roll
// them without touching the main file.
type pathsFile struct {
	Paths []struct {
		Exchange   string `yaml:"exchange"`
		BaseQuote  string `yaml:"base_quote"`
		CrossBase  string `yaml:"cross_base"`
		CrossQuote string `yaml:"cross_quote"`
	} `yaml:"triangular_paths"`
}

// LoadPaths merges a standalone triangular-path file into the configuration.
// Unknown exchanges or symbols surface at Validate/Resolve like inline paths.
func (c *Config) LoadPaths(file string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigInvariant, "read paths file")
	}
	var pf pathsFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return errors.Wrap(err, errors.ErrConfigInvariant, "parse paths file")
	}
	for _, p := range pf.Paths {
		c.TriangularPaths = append(c.TriangularPaths, PathSpec{
			Exchange:   p.Exchange,
			BaseQuote:  p.BaseQuote,
			CrossBase:  p.CrossBase,
			CrossQuote: p.CrossQuote,
		})
	}
	return nil
}
