// Package bootcfg loads the YAML boot manifest that parameterizes a
// kernel instance, in the same style the teacher loads VM bundle and
// site configuration (internal/bundle/bundle.go, cmd/ccapp/site_config.go).
package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProcessImage describes one process the kernel starts at boot.
type ProcessImage struct {
	Name       string   `yaml:"name"`
	Entry      uint64   `yaml:"entry"`
	KernelMode bool     `yaml:"kernel_mode"`
	Argv       []string `yaml:"argv"`
	Env        []string `yaml:"env"`
}

// Manifest is the top-level boot manifest document.
type Manifest struct {
	CPUCount      int            `yaml:"cpu_count"`
	PhysMemPages  int            `yaml:"phys_mem_pages"`
	UseAPIC       bool           `yaml:"use_apic"`
	InitProcesses []ProcessImage `yaml:"init_processes"`
}

// DefaultManifest returns the conservative single-CPU, legacy-PIC
// manifest used when no boot manifest file is supplied.
func DefaultManifest() Manifest {
	return Manifest{
		CPUCount:     1,
		PhysMemPages: 256,
		UseAPIC:      false,
	}
}

// Load reads and parses a boot manifest from path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses boot manifest YAML from an in-memory buffer.
func Parse(data []byte) (Manifest, error) {
	m := DefaultManifest()
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("bootcfg: parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate rejects manifests that would leave the kernel unable to
// boot: zero CPUs, zero memory, or (per spec.md §4.3) more than one CPU
// without an APIC, since the legacy PIC path is single-CPU only.
func (m Manifest) Validate() error {
	if m.CPUCount <= 0 {
		return fmt.Errorf("bootcfg: cpu_count must be positive, got %d", m.CPUCount)
	}
	if m.PhysMemPages <= 0 {
		return fmt.Errorf("bootcfg: phys_mem_pages must be positive, got %d", m.PhysMemPages)
	}
	if m.CPUCount > 1 && !m.UseAPIC {
		return fmt.Errorf("bootcfg: cpu_count=%d requires use_apic=true (legacy PIC is single-CPU only)", m.CPUCount)
	}
	return nil
}
