// Package machine assembles a device tree from a machine description: guest
// memory, the MMIO bus with its virtio devices, and the snapshot registry
// covering them. Running vCPUs against the tree is the embedding VMM's job.
package machine

import (
	"fmt"
	"io"

	"github.com/virtkit/virtkit/internal/chipset"
	"github.com/virtkit/virtkit/internal/config"
	"github.com/virtkit/virtkit/internal/devices/virtio"
	"github.com/virtkit/virtkit/internal/hv"
)

// Machine is an assembled device tree.
type Machine struct {
	Memory    *hv.GuestMemory
	Chipset   *chipset.Chipset
	Snapshots *hv.SnapshotRegistry

	devices map[string]*virtio.MMIODevice
}

// Options supplies the host-side resources the description cannot carry.
type Options struct {
	// Irq receives device interrupt line changes.
	Irq hv.IrqSink
	// ConsoleOut receives guest console output. Defaults to io.Discard.
	ConsoleOut io.Writer
	// OpenBlockBackend opens the backend for a blk device. Defaults to
	// opening the image file directly.
	OpenBlockBackend func(dev config.Device) (virtio.BlockBackend, error)
}

// New builds the machine described by cfg.
func New(cfg *config.Config, opts Options) (*Machine, error) {
	if opts.ConsoleOut == nil {
		opts.ConsoleOut = io.Discard
	}
	if opts.OpenBlockBackend == nil {
		opts.OpenBlockBackend = func(dev config.Device) (virtio.BlockBackend, error) {
			return virtio.OpenFileBackend(dev.Image, dev.ReadOnly)
		}
	}

	mem, err := hv.NewGuestMemory(hv.Region{
		GuestBase: cfg.Memory.Base,
		Host:      make([]byte, cfg.Memory.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("machine: guest memory: %w", err)
	}

	m := &Machine{
		Memory:    mem,
		Chipset:   chipset.New(),
		Snapshots: hv.NewSnapshotRegistry(),
		devices:   make(map[string]*virtio.MMIODevice),
	}

	for _, dev := range cfg.Devices {
		handler, deviceID, err := buildHandler(dev, opts)
		if err != nil {
			return nil, err
		}

		mmio := virtio.NewMMIODevice(dev.Name, deviceID, handler, dev.MmioBase, dev.IRQ)
		var device hv.Device = mmio
		if err := device.Init(mem, opts.Irq); err != nil {
			return nil, fmt.Errorf("machine: device %q: %w", dev.Name, err)
		}
		if err := m.Chipset.AddDevice(dev.Name, mmio); err != nil {
			return nil, err
		}
		if err := m.Snapshots.Register(dev.Name, mmio); err != nil {
			return nil, err
		}
		m.devices[dev.Name] = mmio
	}
	return m, nil
}

func buildHandler(dev config.Device, opts Options) (virtio.DeviceHandler, uint32, error) {
	switch dev.Kind {
	case config.KindBlk:
		backend, err := opts.OpenBlockBackend(dev)
		if err != nil {
			return nil, 0, fmt.Errorf("machine: device %q: %w", dev.Name, err)
		}
		serial := dev.Serial
		if serial == "" {
			serial = dev.Name
		}
		blk, err := virtio.NewBlk(backend, serial, dev.ReadOnly)
		if err != nil {
			return nil, 0, fmt.Errorf("machine: device %q: %w", dev.Name, err)
		}
		return blk, virtio.DeviceIDBlock, nil

	case config.KindConsole:
		return virtio.NewConsole(opts.ConsoleOut), virtio.DeviceIDConsole, nil

	default:
		return nil, 0, fmt.Errorf("machine: device %q: unknown kind %q", dev.Name, dev.Kind)
	}
}

// Device returns the MMIO transport for a configured device.
func (m *Machine) Device(name string) *virtio.MMIODevice {
	return m.devices[name]
}

// Stop halts every device and its workers.
func (m *Machine) Stop() error {
	return m.Chipset.Stop()
}
