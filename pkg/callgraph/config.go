package callgraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the command-line options in a YAML config file, so
// recurring invocations over large bitcode corpora can be checked in next to
// the build. Flags given explicitly on the command line win.
type FileConfig struct {
	Output           string   `yaml:"output,omitempty"`
	Analysis         string   `yaml:"analysis,omitempty"`
	Demangle         string   `yaml:"demangle,omitempty"`
	CppLinkedBitcode string   `yaml:"cpp_linked_bitcode,omitempty"`
	Inputs           []string `yaml:"inputs,omitempty"`
}

// LoadFileConfig reads and validates a YAML config file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if _, err := ParseAnalysisMode(cfg.Analysis); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if _, err := ParseDemangleMode(cfg.Demangle); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}
