package chipset

import (
	"fmt"
	"sort"
)

// Chipset is the composition root for a machine's devices: it owns the MMIO
// and port buses and dispatches vCPU-trapped accesses to the owning device.
type Chipset struct {
	devices map[string]ChipsetDevice
	mmio    Bus
	pio     PortBus
}

func New() *Chipset {
	return &Chipset{devices: make(map[string]ChipsetDevice)}
}

// AddDevice registers a device under a unique name and claims its MMIO and
// port intercepts on the buses.
func (c *Chipset) AddDevice(name string, dev ChipsetDevice) error {
	if _, ok := c.devices[name]; ok {
		return fmt.Errorf("chipset: device %q already registered", name)
	}
	if mmio := dev.SupportsMmio(); mmio != nil {
		if err := c.mmio.Insert(mmio.Handler, mmio.Regions...); err != nil {
			return fmt.Errorf("chipset: device %q: %w", name, err)
		}
	}
	if pio := dev.SupportsPortIO(); pio != nil {
		if err := c.pio.Insert(pio.Handler, pio.Ports...); err != nil {
			return fmt.Errorf("chipset: device %q: %w", name, err)
		}
	}
	c.devices[name] = dev
	return nil
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandleMMIO dispatches an MMIO access trapped from a vCPU.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if isWrite {
		return c.mmio.Write(addr, data)
	}
	return c.mmio.Read(addr, data)
}

// HandlePIO dispatches an I/O port access trapped from a vCPU.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	if isWrite {
		return c.pio.Write(port, data)
	}
	return c.pio.Read(port, data)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
