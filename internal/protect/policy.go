package protect

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
)

const (
	// PolicyVersion is the policy schema this package understands. Policies
	// with the same major version are accepted.
	PolicyVersion = "v1.0.0"

	DefaultNormalBufferSize = 4 << 20
	DefaultResumeBufferSize = 1 << 20
)

// BootMode selects the staging buffer size and teardown behaviour.
type BootMode string

const (
	BootNormal BootMode = "normal"
	BootResume BootMode = "resume"
)

// Policy holds the tunables of DMA protection setup.
type Policy struct {
	Version  string   `yaml:"version"`
	BootMode BootMode `yaml:"bootMode"`

	NormalBufferSize uint64 `yaml:"normalBufferSize,omitempty"`
	ResumeBufferSize uint64 `yaml:"resumeBufferSize,omitempty"`

	// PollLimit bounds every hardware handshake; zero uses the default.
	PollLimit int `yaml:"pollLimit,omitempty"`

	// TopOfMemory overrides the platform's reported top of memory.
	TopOfMemory uint64 `yaml:"topOfMemory,omitempty"`
}

// DefaultPolicy returns the policy used when none is supplied.
func DefaultPolicy() Policy {
	var p Policy
	p.normalize()
	return p
}

func (p *Policy) normalize() {
	if p.Version == "" {
		p.Version = PolicyVersion
	}
	if !strings.HasPrefix(p.Version, "v") {
		p.Version = "v" + p.Version
	}
	if p.BootMode == "" {
		p.BootMode = BootNormal
	}
	if p.NormalBufferSize == 0 {
		p.NormalBufferSize = DefaultNormalBufferSize
	}
	if p.ResumeBufferSize == 0 {
		p.ResumeBufferSize = DefaultResumeBufferSize
	}
}

// Validate checks the schema version and boot mode.
func (p Policy) Validate() error {
	if !semver.IsValid(p.Version) {
		return fmt.Errorf("protect: policy version %q is not a semantic version: %w", p.Version, fwerr.ErrInvalidConfiguration)
	}
	if semver.Major(p.Version) != semver.Major(PolicyVersion) {
		return fmt.Errorf("protect: policy version %s is not compatible with %s: %w",
			p.Version, PolicyVersion, fwerr.ErrInvalidConfiguration)
	}
	switch p.BootMode {
	case BootNormal, BootResume:
	default:
		return fmt.Errorf("protect: unknown boot mode %q: %w", p.BootMode, fwerr.ErrInvalidConfiguration)
	}
	if p.PollLimit < 0 {
		return fmt.Errorf("protect: negative poll limit %d: %w", p.PollLimit, fwerr.ErrInvalidConfiguration)
	}
	return nil
}

// BufferSize is the staging buffer capacity for the policy's boot mode.
func (p Policy) BufferSize() uint64 {
	if p.BootMode == BootResume {
		return p.ResumeBufferSize
	}
	return p.NormalBufferSize
}

// ParsePolicy decodes a YAML policy and fills in defaults.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("protect: parse policy: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("protect: read policy: %w", err)
	}
	return ParsePolicy(data)
}
