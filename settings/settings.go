// Package settings loads the run settings document. The controller reads the
// few options it needs and forwards the raw document to every worker.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-testhost/datacollection"
)

// Settings is the parsed run settings document.
type Settings struct {
	// MaxParallelism caps the parallel level. Zero lets the CPU count decide.
	MaxParallelism int `yaml:"maxParallelism"`
	// ShareHosts keeps hosts alive across partitions of a run.
	ShareHosts bool `yaml:"shareHosts"`

	Host       HostSettings                     `yaml:"host"`
	Collectors []datacollection.CollectorConfig `yaml:"collectors"`
	GoTest     GoTestSettings                   `yaml:"gotest"`

	// Raw is the document as read, forwarded to workers verbatim.
	Raw string `yaml:"-"`
}

// HostSettings configures how worker hosts are launched.
type HostSettings struct {
	Executable        string            `yaml:"executable"`
	Args              []string          `yaml:"args"`
	Env               map[string]string `yaml:"env"`
	WorkDir           string            `yaml:"workDir"`
	ConnectionTimeout time.Duration     `yaml:"connectionTimeout"`
	AbortGracePeriod  time.Duration     `yaml:"abortGracePeriod"`
	ProtocolVersion   int               `yaml:"protocolVersion"`
}

// GoTestSettings is read by the go test adapter inside each worker.
type GoTestSettings struct {
	GoBinary string            `yaml:"goBinary"`
	Timeout  time.Duration     `yaml:"timeout"`
	Tags     []string          `yaml:"tags"`
	Env      map[string]string `yaml:"env"`

	// StaticDiscovery parses test files instead of running go test -list.
	StaticDiscovery bool `yaml:"staticDiscovery"`
}

// Parse parses a settings document. An empty document yields zero Settings.
func Parse(data []byte) (*Settings, error) {
	s := &Settings{Raw: string(data)}
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads and parses the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}
	return Parse(data)
}

// Validate checks the values the controller relies on.
func (s *Settings) Validate() error {
	if s.MaxParallelism < 0 {
		return fmt.Errorf("maxParallelism must not be negative, got %d", s.MaxParallelism)
	}
	if s.Host.ConnectionTimeout < 0 {
		return errors.New("host.connectionTimeout must not be negative")
	}
	if s.Host.AbortGracePeriod < 0 {
		return errors.New("host.abortGracePeriod must not be negative")
	}
	if s.GoTest.Timeout < 0 {
		return errors.New("gotest.timeout must not be negative")
	}
	seen := make(map[string]bool)
	for i, c := range s.Collectors {
		if c.Name == "" {
			return fmt.Errorf("collector %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("collector %q is configured twice", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}
