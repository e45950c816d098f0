package generation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest lists the immutable build assets of one application version.
// It is produced by the app deploy pipeline; a version change means a
// redeploy happened and a new static generation must be installed.
type Manifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m := new(Manifest)
	if err := yaml.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Version) == 0 {
		return nil, fmt.Errorf("manifest has no version")
	}
	if len(m.Assets) == 0 {
		return nil, fmt.Errorf("manifest has no assets")
	}
	return m, nil
}
