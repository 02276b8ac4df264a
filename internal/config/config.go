// Package config parses and validates the YAML machine description: guest
// memory shape, the virtio-mmio devices on the bus, and any vhost-user
// backends served to an external frontend.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Device kinds accepted in the machine description.
const (
	KindBlk     = "blk"
	KindConsole = "console"
	KindNet     = "net"
)

const (
	defaultMemorySize = 128 << 20
	mmioWindowSize    = 0x1000
)

// Config is the root of the machine description.
type Config struct {
	Memory  Memory         `yaml:"memory"`
	Devices []Device       `yaml:"devices"`
	Vhost   []VhostBackend `yaml:"vhost"`
}

// Memory describes the guest RAM layout.
type Memory struct {
	// Size in bytes. Defaults to 128 MiB.
	Size uint64 `yaml:"size"`
	// Base guest physical address of RAM.
	Base uint64 `yaml:"base"`
}

// Device is one virtio-mmio device slot.
type Device struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	MmioBase uint64 `yaml:"mmio_base"`
	IRQ      uint32 `yaml:"irq"`

	// Blk options.
	Image    string `yaml:"image,omitempty"`
	ReadOnly bool   `yaml:"readonly,omitempty"`
	Serial   string `yaml:"serial,omitempty"`
}

// VhostBackend is one device served over a vhost-user socket.
type VhostBackend struct {
	Socket string `yaml:"socket"`
	Kind   string `yaml:"kind"`
	MAC    string `yaml:"mac,omitempty"`
}

// Load reads and validates a machine description file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a machine description.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Memory.Size == 0 {
		cfg.Memory.Size = defaultMemorySize
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	names := make(map[string]bool)
	type window struct {
		name       string
		start, end uint64
	}
	var windows []window

	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("config: device %d has no name", i)
		}
		if names[d.Name] {
			return fmt.Errorf("config: duplicate device name %q", d.Name)
		}
		names[d.Name] = true

		switch d.Kind {
		case KindBlk:
			if d.Image == "" {
				return fmt.Errorf("config: device %q: blk requires an image", d.Name)
			}
		case KindConsole:
		case KindNet:
			return fmt.Errorf("config: device %q: net is only available as a vhost backend", d.Name)
		default:
			return fmt.Errorf("config: device %q: unknown kind %q", d.Name, d.Kind)
		}

		if d.MmioBase == 0 {
			return fmt.Errorf("config: device %q has no mmio_base", d.Name)
		}
		if d.MmioBase%mmioWindowSize != 0 {
			return fmt.Errorf("config: device %q: mmio_base %#x is not %#x aligned", d.Name, d.MmioBase, uint64(mmioWindowSize))
		}
		w := window{name: d.Name, start: d.MmioBase, end: d.MmioBase + mmioWindowSize}
		for _, other := range windows {
			if w.start < other.end && other.start < w.end {
				return fmt.Errorf("config: devices %q and %q overlap at %#x", d.Name, other.name, w.start)
			}
		}
		windows = append(windows, w)

		memEnd := c.Memory.Base + c.Memory.Size
		if w.start < memEnd && c.Memory.Base < w.end {
			return fmt.Errorf("config: device %q mmio window %#x overlaps guest RAM", d.Name, w.start)
		}
	}

	sockets := make(map[string]bool)
	for i, v := range c.Vhost {
		if v.Socket == "" {
			return fmt.Errorf("config: vhost backend %d has no socket path", i)
		}
		if sockets[v.Socket] {
			return fmt.Errorf("config: duplicate vhost socket %q", v.Socket)
		}
		sockets[v.Socket] = true

		switch v.Kind {
		case KindNet:
			if v.MAC != "" {
				if _, err := net.ParseMAC(v.MAC); err != nil {
					return fmt.Errorf("config: vhost backend %q: bad mac %q: %w", v.Socket, v.MAC, err)
				}
			}
		case KindBlk, KindConsole:
			return fmt.Errorf("config: vhost backend %q: kind %q not supported over vhost-user", v.Socket, v.Kind)
		default:
			return fmt.Errorf("config: vhost backend %q: unknown kind %q", v.Socket, v.Kind)
		}
	}
	return nil
}

// HardwareAddr returns the backend's MAC, or a stable default when unset.
func (v *VhostBackend) HardwareAddr() ([6]byte, error) {
	if v.MAC == "" {
		return [6]byte{0x52, 0x54, 0x00, 0x76, 0x6b, 0x30}, nil
	}
	addr, err := net.ParseMAC(v.MAC)
	if err != nil {
		return [6]byte{}, fmt.Errorf("config: bad mac %q: %w", v.MAC, err)
	}
	if len(addr) != 6 {
		return [6]byte{}, fmt.Errorf("config: mac %q is not 48-bit", v.MAC)
	}
	var out [6]byte
	copy(out[:], addr)
	return out, nil
}
