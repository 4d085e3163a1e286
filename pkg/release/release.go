// Package release describes the supported upgrade path and identifies the
// release the host is currently running.
//
// The upgrade path ships as an embedded YAML map so the rest of the system
// never hard-codes codenames: source and target releases, the hostnames that
// count as distribution-operated mirrors, trusted keyring references, and the
// archive suite suffixes that must be preserved when sources are rewritten
// all come from the map. The running release is read from os-release(5).
package release

import (
	"bufio"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed releasemap.yaml
var builtinMap []byte

// DefaultOSReleasePath is where os-release(5) lives on a standard install.
const DefaultOSReleasePath = "/etc/os-release"

// Release names a single distribution release.
type Release struct {
	Codename string `yaml:"codename"`
	Version  string `yaml:"version"`
}

// UpgradePath is the one supported source-to-target transition.
type UpgradePath struct {
	Source Release `yaml:"source"`
	Target Release `yaml:"target"`
}

// Distribution lists what counts as distribution-operated infrastructure.
// Origins are hostname substrings matched against source entry URIs;
// MirrorIndirection entries match mirror redirector schemes and hosts that
// resolve to distribution mirrors at fetch time.
type Distribution struct {
	ID                string   `yaml:"id"`
	Origins           []string `yaml:"origins"`
	MirrorIndirection []string `yaml:"mirror_indirection"`
	Keyrings          []string `yaml:"keyrings"`
}

// Network lists hosts that must resolve and answer before an upgrade starts.
type Network struct {
	RequiredHosts []string `yaml:"required_hosts"`
}

// Suites describes the archive suite naming scheme. Suffixes are appended to
// a codename to form derived suites (bookworm-security, bookworm-updates);
// a rewrite must carry each suffix over to the target codename unchanged.
type Suites struct {
	Components []string `yaml:"components"`
	Suffixes   []string `yaml:"suffixes"`
}

// Map is the parsed release map.
type Map struct {
	Version      int          `yaml:"version"`
	Upgrade      UpgradePath  `yaml:"upgrade"`
	Distribution Distribution `yaml:"distribution"`
	Network      Network      `yaml:"network"`
	Suites       Suites       `yaml:"suites"`
}

// Builtin parses the embedded release map.
func Builtin() (*Map, error) {
	return parseMap(builtinMap)
}

// LoadFile parses a release map from an operator-supplied file, overriding
// the embedded one.
func LoadFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read release map %s: %w", path, err)
	}
	m, err := parseMap(data)
	if err != nil {
		return nil, fmt.Errorf("release map %s: %w", path, err)
	}
	return m, nil
}

func parseMap(data []byte) (*Map, error) {
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse release map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid release map: %w", err)
	}
	return &m, nil
}

// Validate checks that the map carries everything the upgrade needs.
func (m *Map) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported release map version %d", m.Version)
	}
	if m.Upgrade.Source.Codename == "" {
		return fmt.Errorf("upgrade.source.codename is required")
	}
	if m.Upgrade.Target.Codename == "" {
		return fmt.Errorf("upgrade.target.codename is required")
	}
	if m.Upgrade.Source.Codename == m.Upgrade.Target.Codename {
		return fmt.Errorf("source and target codename are both %q", m.Upgrade.Source.Codename)
	}
	if m.Upgrade.Target.Version == "" {
		return fmt.Errorf("upgrade.target.version is required")
	}
	if m.Distribution.ID == "" {
		return fmt.Errorf("distribution.id is required")
	}
	if len(m.Distribution.Origins) == 0 {
		return fmt.Errorf("distribution.origins must list at least one origin")
	}
	if len(m.Network.RequiredHosts) == 0 {
		return fmt.Errorf("network.required_hosts must list at least one host")
	}
	return nil
}

// SuiteNames returns every suite name derived from codename: the plain
// codename first, then codename+suffix for each configured suffix.
func (m *Map) SuiteNames(codename string) []string {
	names := make([]string, 0, len(m.Suites.Suffixes)+1)
	names = append(names, codename)
	for _, suffix := range m.Suites.Suffixes {
		names = append(names, codename+suffix)
	}
	return names
}

// Identity is the release the host is currently running, as reported by
// os-release(5).
type Identity struct {
	ID         string
	Codename   string
	VersionID  string
	PrettyName string
}

// ReadIdentity parses an os-release file. An empty path reads the default
// location.
func ReadIdentity(path string) (*Identity, error) {
	if path == "" {
		path = DefaultOSReleasePath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	id := &Identity{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = unquote(strings.TrimSpace(value))
		switch strings.TrimSpace(key) {
		case "ID":
			id.ID = value
		case "VERSION_CODENAME":
			id.Codename = value
		case "VERSION_ID":
			id.VersionID = value
		case "PRETTY_NAME":
			id.PrettyName = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if id.Codename == "" {
		return nil, fmt.Errorf("%s does not declare VERSION_CODENAME", path)
	}
	return id, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
