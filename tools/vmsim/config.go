package main

import (
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/mm"
	"gophermm/kernel/rt0"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes the simulated machine: its physical memory, where the
// boot loader put its page tables and what it reports to the kernel.
type Config struct {
	MemorySize uint64    `toml:"memory_size" yaml:"memory_size"`
	BootTables uint64    `toml:"boot_tables" yaml:"boot_tables"`
	BootInfo   Extent    `toml:"boot_info" yaml:"boot_info"`
	MemoryMap  []Region  `toml:"memory_map" yaml:"memory_map"`
	Sections   []Section `toml:"section" yaml:"sections"`
}

// Extent is a physical range [Start, End).
type Extent struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Region is an entry of the boot loader's memory map.
type Region struct {
	Base   uint64 `toml:"base" yaml:"base"`
	Length uint64 `toml:"length" yaml:"length"`
	Type   string `toml:"type" yaml:"type"`
}

// Section is an ELF section of the kernel image.
type Section struct {
	Name    string   `toml:"name" yaml:"name"`
	Address uint64   `toml:"address" yaml:"address"`
	Size    uint64   `toml:"size" yaml:"size"`
	Flags   []string `toml:"flags" yaml:"flags"`
}

var (
	regionTypes = map[string]multiboot.MemoryEntryType{
		"available": multiboot.MemAvailable,
		"reserved":  multiboot.MemReserved,
		"acpi":      multiboot.MemAcpiReclaimable,
		"nvs":       multiboot.MemNvs,
	}

	sectionFlags = map[string]multiboot.ElfSectionFlag{
		"alloc": multiboot.ElfSectionAllocated,
		"write": multiboot.ElfSectionWritable,
		"exec":  multiboot.ElfSectionExecutable,
	}
)

// defaultConfig returns a 32M machine with a small kernel image loaded at 1M
// and the boot tables at the start of its .bss section.
func defaultConfig() *Config {
	memSize := uint64(32 * mm.Mb)

	return &Config{
		MemorySize: memSize,
		BootTables: 0x110000,
		BootInfo:   Extent{Start: 0x118000, End: 0x118400},
		MemoryMap: []Region{
			{Base: 0, Length: 0x9fc00, Type: "available"},
			{Base: 0x9fc00, Length: 0x60400, Type: "reserved"},
			{Base: 0x100000, Length: memSize - 0x100000, Type: "available"},
		},
		Sections: []Section{
			{Name: ".text", Address: 0x100000, Size: 0x8000, Flags: []string{"alloc", "exec"}},
			{Name: ".rodata", Address: 0x108000, Size: 0x4000, Flags: []string{"alloc"}},
			{Name: ".data", Address: 0x10c000, Size: 0x4000, Flags: []string{"alloc", "write"}},
			{Name: ".bss", Address: 0x110000, Size: 0x8000, Flags: []string{"alloc", "write"}},
		},
	}
}

// loadConfig reads a machine description from path. The format is selected
// by the file extension. An empty path selects the default machine.
func loadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	var cfg Config
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, errors.Wrapf(err, "unable to decode %q", path)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "unable to open config")
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Wrapf(err, "unable to decode %q", path)
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}

	return &cfg, nil
}

func (cfg *Config) validate() error {
	switch {
	case cfg.MemorySize == 0 || cfg.MemorySize%uint64(mm.PageSize) != 0:
		return errors.Errorf("memory size 0x%x is not a positive multiple of the page size", cfg.MemorySize)
	case cfg.BootTables%uint64(mm.PageSize) != 0 || cfg.BootTables+rt0.TableFrames*uint64(mm.PageSize) > cfg.MemorySize:
		return errors.Errorf("boot tables at 0x%x do not fit in memory", cfg.BootTables)
	case len(cfg.MemoryMap) == 0:
		return errors.New("memory map is empty")
	case len(cfg.Sections) == 0:
		return errors.New("no kernel sections")
	}

	return nil
}

// bootInfo converts the machine description to the boot information the
// kernel receives.
func (cfg *Config) bootInfo() (*multiboot.Info, error) {
	info := &multiboot.Info{
		StartAddr: uintptr(cfg.BootInfo.Start),
		EndAddr:   uintptr(cfg.BootInfo.End),
	}

	for _, region := range cfg.MemoryMap {
		regionType, ok := regionTypes[region.Type]
		if !ok {
			return nil, errors.Errorf("unknown memory region type %q", region.Type)
		}

		info.MemoryMap = append(info.MemoryMap, multiboot.MemoryMapEntry{
			PhysAddress: region.Base,
			Length:      region.Length,
			Type:        regionType,
		})
	}

	for _, section := range cfg.Sections {
		var flags multiboot.ElfSectionFlag
		for _, name := range section.Flags {
			flag, ok := sectionFlags[name]
			if !ok {
				return nil, errors.Errorf("unknown flag %q for section %s", name, section.Name)
			}
			flags |= flag
		}

		info.ElfSections = append(info.ElfSections, multiboot.ElfSection{
			Name:    section.Name,
			Flags:   flags,
			Address: uintptr(section.Address),
			Size:    section.Size,
		})
	}

	return info, nil
}
