// Package kconfig loads a declarative boot manifest for the hosted
// simulation harness (cmd/kernel, and the end-to-end tests in
// internal/kcoretest). It plays the role the teacher's
// internal/linux/boot.bootparams plays for a real guest boot — except
// where the teacher's is a binary struct poked directly into guest
// memory, ours is YAML (gopkg.in/yaml.v3, already a teacher dependency)
// because nothing here crosses a guest/host memory boundary that would
// demand a fixed binary layout.
package kconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/kcore/internal/boot"
)

// Region mirrors boot.MemoryMapEntry with YAML tags and a human-typed
// region name instead of the numeric enum.
type Region struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// Module mirrors boot.Module.
type Module struct {
	Addr    uint64 `yaml:"addr"`
	Size    uint64 `yaml:"size"`
	Cmdline string `yaml:"cmdline"`
}

// Manifest is the top-level boot manifest document.
type Manifest struct {
	HHDMOffset     uint64   `yaml:"hhdm_offset"`
	KernelPhysBase uint64   `yaml:"kernel_phys_base"`
	KernelVirtBase uint64   `yaml:"kernel_virt_base"`
	RSDP           uint64   `yaml:"rsdp"`
	CPUCount       int      `yaml:"cpu_count"`
	MemoryMap      []Region `yaml:"memory_map"`
	Modules        []Module `yaml:"modules"`
}

var regionTypes = map[string]boot.RegionType{
	"usable":                 boot.RegionUsable,
	"reserved":               boot.RegionReserved,
	"acpi-reclaimable":       boot.RegionACPIReclaimable,
	"acpi-nvs":               boot.RegionACPINVS,
	"bad":                    boot.RegionBad,
	"bootloader-reclaimable": boot.RegionBootloaderReclaimable,
	"kernel-and-modules":     boot.RegionKernelAndModules,
	"framebuffer":            boot.RegionFramebuffer,
}

// Load reads and parses a boot manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a boot manifest from YAML bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("kconfig: parse manifest: %w", err)
	}
	if len(m.MemoryMap) == 0 {
		return nil, fmt.Errorf("kconfig: manifest has no memory_map entries")
	}
	if m.CPUCount <= 0 {
		m.CPUCount = 1
	}
	return &m, nil
}

// ToBootInfo converts the manifest into an immutable boot.Info, the form
// internal/pmm.Init actually consumes.
func (m *Manifest) ToBootInfo() (*boot.Info, error) {
	raw := boot.Info{
		HHDMOffset:      m.HHDMOffset,
		KernelPhysBase:  m.KernelPhysBase,
		KernelVirtBase:  m.KernelVirtBase,
		RSDP:            m.RSDP,
		BootTimeUnixSec: 0,
	}
	for _, r := range m.MemoryMap {
		t, ok := regionTypes[r.Type]
		if !ok {
			return nil, fmt.Errorf("kconfig: unknown region type %q", r.Type)
		}
		raw.MemoryMap = append(raw.MemoryMap, boot.MemoryMapEntry{
			Base: r.Base, Length: r.Length, Type: t,
		})
	}
	for _, mod := range m.Modules {
		raw.Modules = append(raw.Modules, boot.Module{
			Addr: mod.Addr, Size: mod.Size, Cmdline: mod.Cmdline,
		})
	}
	for i := 0; i < m.CPUCount; i++ {
		raw.CPUs = append(raw.CPUs, boot.CPU{ID: uint32(i), LAPICID: uint32(i), IsBootCPU: i == 0})
	}
	return boot.New(raw)
}
