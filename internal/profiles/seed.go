package profiles

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

//go:embed seed.yaml
var embeddedSeed []byte

type seedFile struct {
	Profiles []model.MethodProfile `yaml:"profiles"`
}

// ParseSeed decodes a YAML seed document and validates every profile in it.
func ParseSeed(data []byte) ([]model.MethodProfile, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("profiles: decode seed: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("profiles: seed contains no profiles")
	}

	seen := make(map[string]bool, len(f.Profiles))
	out := make([]model.MethodProfile, 0, len(f.Profiles))
	for _, p := range f.Profiles {
		p = p.Normalized()
		if err := ValidateProfile(p); err != nil {
			return nil, err
		}
		id := fmt.Sprintf("%s/%s/%d", p.MethodID, p.VariantID, p.SchemaVersion)
		if seen[id] {
			return nil, fmt.Errorf("profiles: seed declares %s twice", id)
		}
		seen[id] = true
		out = append(out, p)
	}
	return out, nil
}

// DefaultSeed returns the profiles embedded in the binary.
func DefaultSeed() ([]model.MethodProfile, error) {
	return ParseSeed(embeddedSeed)
}

// LoadSeed reads a seed file from path, or the embedded seed when path is empty.
func LoadSeed(path string) ([]model.MethodProfile, error) {
	if path == "" {
		return DefaultSeed()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profiles: read seed %s: %w", path, err)
	}
	return ParseSeed(data)
}
