package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
memory:
  size: 0x10000000
  base: 0x0
devices:
  - name: disk0
    kind: blk
    mmio_base: 0xd0000000
    irq: 5
    image: /var/lib/vm/disk.img
    serial: disk0
  - name: console0
    kind: console
    mmio_base: 0xd0001000
    irq: 6
vhost:
  - socket: /run/vm/net0.sock
    kind: net
    mac: "52:54:00:12:34:56"
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x10000000), cfg.Memory.Size)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, KindBlk, cfg.Devices[0].Kind)
	assert.Equal(t, uint64(0xd0000000), cfg.Devices[0].MmioBase)
	assert.Equal(t, uint32(5), cfg.Devices[0].IRQ)
	assert.Equal(t, "/var/lib/vm/disk.img", cfg.Devices[0].Image)
	assert.Equal(t, KindConsole, cfg.Devices[1].Kind)

	require.Len(t, cfg.Vhost, 1)
	mac, err := cfg.Vhost[0].HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, mac)
}

func TestParseDefaultsMemorySize(t *testing.T) {
	cfg, err := Parse([]byte(`devices: []`))
	require.NoError(t, err)
	assert.Equal(t, uint64(128<<20), cfg.Memory.Size)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field": `
memory:
  siez: 1024
`,
		"unnamed device": `
devices:
  - kind: console
    mmio_base: 0xd0000000
`,
		"duplicate names": `
devices:
  - name: dev0
    kind: console
    mmio_base: 0xd0000000
  - name: dev0
    kind: console
    mmio_base: 0xd0001000
`,
		"unknown kind": `
devices:
  - name: dev0
    kind: gpu
    mmio_base: 0xd0000000
`,
		"blk without image": `
devices:
  - name: disk0
    kind: blk
    mmio_base: 0xd0000000
`,
		"missing mmio base": `
devices:
  - name: dev0
    kind: console
`,
		"unaligned mmio base": `
devices:
  - name: dev0
    kind: console
    mmio_base: 0xd0000004
`,
		"overlapping windows": `
devices:
  - name: dev0
    kind: console
    mmio_base: 0xd0000000
  - name: dev1
    kind: console
    mmio_base: 0xd0000000
`,
		"mmio inside ram": `
memory:
  size: 0x10000000
devices:
  - name: dev0
    kind: console
    mmio_base: 0x1000
`,
		"vhost without socket": `
vhost:
  - kind: net
`,
		"vhost bad mac": `
vhost:
  - socket: /run/net.sock
    kind: net
    mac: not-a-mac
`,
		"vhost unsupported kind": `
vhost:
  - socket: /run/blk.sock
    kind: blk
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestHardwareAddrDefault(t *testing.T) {
	v := &VhostBackend{Socket: "/run/net.sock", Kind: KindNet}
	mac, err := v.HardwareAddr()
	require.NoError(t, err)
	assert.NotEqual(t, [6]byte{}, mac)
}
