package plugin

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name of a plugin manifest inside its directory.
const ManifestFile = "plugin.yml"

// Manifest describes a plugin found in the plugin directory.
type Manifest struct {
	Name                 string         `yaml:"name"`
	Version              string         `yaml:"version"`
	Description          string         `yaml:"description,omitempty"`
	Entry                string         `yaml:"entry,omitempty"`
	Dependencies         []string       `yaml:"dependencies,omitempty"`
	OptionalDependencies []string       `yaml:"optionalDependencies,omitempty"`
	Config               map[string]any `yaml:"config,omitempty"`

	// Dir is the directory the manifest was loaded from.
	Dir string `yaml:"-"`
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if m.Version == "" {
		return errors.New("version is required")
	}
	for _, dep := range m.Dependencies {
		if dep == m.Name {
			return fmt.Errorf("plugin %s depends on itself", m.Name)
		}
	}
	return nil
}

// Unit builds a stopped unit whose config is the manifest defaults
// overlaid with overrides.
func (m *Manifest) Unit(overrides map[string]any) *Unit {
	cfg := maps.Clone(m.Config)
	if cfg == nil {
		cfg = make(map[string]any, len(overrides))
	}
	maps.Copy(cfg, overrides)

	u := NewUnit(m.Name, m.Version, cfg)
	u.Entry = m.Entry
	return u.WithDeps(m.Dependencies, m.OptionalDependencies)
}

// Discover loads the manifests of every direct subdirectory of dir that
// contains a plugin.yml, sorted by plugin name. Manifests that fail to
// load are returned as errors without stopping discovery.
func Discover(dir string) ([]*Manifest, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read plugin directory: %w", err)}
	}

	var (
		manifests []*Manifest
		errs      []error
		seen      = make(map[string]string)
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		m, err := LoadManifest(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if other, dup := seen[m.Name]; dup {
			errs = append(errs, fmt.Errorf("plugin %s declared in both %s and %s", m.Name, other, m.Dir))
			continue
		}
		seen[m.Name] = m.Dir
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, errs
}

// FindManifest returns the manifest named name.
func FindManifest(manifests []*Manifest, name string) (*Manifest, bool) {
	for _, m := range manifests {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}
