// Package config loads YAML device definitions and compiles them into
// mapping tables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/devmap/go-devmap"
	"github.com/devmap/go-devmap/target"
)

// Config is the top-level YAML document.
type Config struct {
	Lowers  []LowerConfig  // lower devices tables may reference
	Devices []DeviceConfig // mapped devices to create
}

// LowerConfig declares one lower device by name. Serving tools back
// these with in-memory devices; the name is what table definitions
// reference.
type LowerConfig struct {
	Name        string
	SizeSectors uint64 `yaml:"size_sectors"`
}

// DeviceConfig describes one mapped device and its table.
type DeviceConfig struct {
	Name    string         // device name
	Minor   *int           // requested minor; omitted means any free slot
	Targets []TargetConfig // table intervals, in order from sector 0
}

// TargetConfig describes one table interval. LengthSectors is the
// interval length; the begin sector is implied by the sum of the
// preceding intervals.
type TargetConfig struct {
	Type          string         // "linear", "striped" or "error"
	LengthSectors uint64         `yaml:"length_sectors"`
	Device        string         // lower device name (linear)
	OffsetSectors uint64         `yaml:"offset_sectors"` // lower offset (linear)
	ChunkSectors  uint64         `yaml:"chunk_sectors"`  // chunk size (striped)
	Devices       []StripeConfig // stripe legs (striped)
}

// StripeConfig is one leg of a striped target.
type StripeConfig struct {
	Device        string
	OffsetSectors uint64 `yaml:"offset_sectors"`
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse unmarshals and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural rules a document must satisfy before
// compilation.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: no devices defined")
	}
	lowerNames := make(map[string]bool)
	for i, l := range c.Lowers {
		if l.Name == "" {
			return fmt.Errorf("config: lower device %d has no name", i)
		}
		if lowerNames[l.Name] {
			return fmt.Errorf("config: duplicate lower device name %q", l.Name)
		}
		if l.SizeSectors == 0 {
			return fmt.Errorf("config: lower device %q has zero size", l.Name)
		}
		lowerNames[l.Name] = true
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("config: device %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("config: duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		if len(d.Targets) == 0 {
			return fmt.Errorf("config: device %q has no targets", d.Name)
		}
		for j, t := range d.Targets {
			if err := validateTarget(t); err != nil {
				return fmt.Errorf("config: device %q target %d: %w", d.Name, j, err)
			}
		}
	}
	return nil
}

func validateTarget(t TargetConfig) error {
	if t.LengthSectors == 0 {
		return fmt.Errorf("length_sectors must be positive")
	}
	switch t.Type {
	case "linear":
		if t.Device == "" {
			return fmt.Errorf("linear target needs a device")
		}
	case "striped":
		if t.ChunkSectors == 0 {
			return fmt.Errorf("striped target needs chunk_sectors")
		}
		if len(t.Devices) < 2 {
			return fmt.Errorf("striped target needs at least two devices")
		}
		for _, s := range t.Devices {
			if s.Device == "" {
				return fmt.Errorf("striped leg needs a device")
			}
		}
	case "error":
		// no parameters
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}

// Resolver maps a lower-device name from the config onto a DevID.
type Resolver func(name string) (devmap.DevID, bool)

// CompileTable turns one device definition into a mapping table,
// resolving lower-device names through resolve.
func CompileTable(d DeviceConfig, resolve Resolver) (*devmap.Table, error) {
	highs := make([]uint64, 0, len(d.Targets))
	targets := make([]devmap.Target, 0, len(d.Targets))

	begin := uint64(0)
	for i, tc := range d.Targets {
		var t *devmap.Target
		var err error

		switch tc.Type {
		case "linear":
			dev, ok := resolve(tc.Device)
			if !ok {
				return nil, fmt.Errorf("device %q target %d: unknown lower device %q",
					d.Name, i, tc.Device)
			}
			t = target.NewLinear(dev, begin, tc.OffsetSectors)

		case "striped":
			legs := make([]target.StripeDev, len(tc.Devices))
			for k, s := range tc.Devices {
				dev, ok := resolve(s.Device)
				if !ok {
					return nil, fmt.Errorf("device %q target %d: unknown lower device %q",
						d.Name, i, s.Device)
				}
				legs[k] = target.StripeDev{Dev: dev, OffsetSectors: s.OffsetSectors}
			}
			t, err = target.NewStriped(begin, tc.ChunkSectors, legs)
			if err != nil {
				return nil, fmt.Errorf("device %q target %d: %w", d.Name, i, err)
			}

		case "error":
			t = target.NewError()

		default:
			return nil, fmt.Errorf("device %q target %d: unknown type %q",
				d.Name, i, tc.Type)
		}

		begin += tc.LengthSectors
		highs = append(highs, begin-1)
		targets = append(targets, *t)
	}

	return devmap.NewTable(highs, targets, 0)
}

// RequestedMinor returns the minor a device definition asks for, with
// -1 meaning any free slot.
func (d DeviceConfig) RequestedMinor() int {
	if d.Minor == nil {
		return -1
	}
	return *d.Minor
}
