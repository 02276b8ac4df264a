package hv

import (
	"bytes"
	"encoding/gob"
	"strings"
	"testing"
)

// fakeDevice records lifecycle calls and round-trips a single byte of state.
type fakeDevice struct {
	state  byte
	asleep bool
	calls  []string
}

func (d *fakeDevice) Sleep() error {
	d.asleep = true
	d.calls = append(d.calls, "sleep")
	return nil
}

func (d *fakeDevice) Wake() error {
	d.asleep = false
	d.calls = append(d.calls, "wake")
	return nil
}

func (d *fakeDevice) Snapshot() ([]byte, error) {
	d.calls = append(d.calls, "snapshot")
	return []byte{d.state}, nil
}

func (d *fakeDevice) Restore(data []byte) error {
	d.calls = append(d.calls, "restore")
	d.state = data[0]
	return nil
}

func TestSnapshotRegistryRoundTrip(t *testing.T) {
	reg := NewSnapshotRegistry()
	a := &fakeDevice{state: 0x11}
	b := &fakeDevice{state: 0x22}
	if err := reg.Register("blk0", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("console0", b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("blk0", a); err == nil {
		t.Error("duplicate id accepted")
	}

	var buf bytes.Buffer
	if err := reg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	// Devices were slept before capture and woken afterwards.
	for _, d := range []*fakeDevice{a, b} {
		if d.asleep {
			t.Error("device left asleep after WriteTo")
		}
		if got := strings.Join(d.calls, ","); got != "sleep,snapshot,wake" {
			t.Errorf("lifecycle = %q, want sleep,snapshot,wake", got)
		}
	}

	// Restore into fresh devices under the same ids.
	reg2 := NewSnapshotRegistry()
	a2 := &fakeDevice{}
	b2 := &fakeDevice{}
	if err := reg2.Register("blk0", a2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg2.Register("console0", b2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg2.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if a2.state != 0x11 || b2.state != 0x22 {
		t.Errorf("restored state = (%#x, %#x), want (0x11, 0x22)", a2.state, b2.state)
	}
}

func TestSnapshotRegistryRejectsMismatch(t *testing.T) {
	reg := NewSnapshotRegistry()
	if err := reg.Register("blk0", &fakeDevice{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var buf bytes.Buffer
	if err := reg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	// A registry with a different device set must refuse the file.
	other := NewSnapshotRegistry()
	if err := other.Register("net0", &fakeDevice{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := other.ReadFrom(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("ReadFrom accepted a snapshot with a different device set")
	}
}

func TestSnapshotRegistryRejectsBadHeader(t *testing.T) {
	var buf bytes.Buffer
	bad := snapshotFile{Magic: 0xdeadbeef, Version: SnapshotVersion}
	if err := gob.NewEncoder(&buf).Encode(&bad); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := NewSnapshotRegistry().ReadFrom(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("ReadFrom accepted a bad magic")
	}

	buf.Reset()
	bad = snapshotFile{Magic: SnapshotMagic, Version: 99}
	if err := gob.NewEncoder(&buf).Encode(&bad); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := NewSnapshotRegistry().ReadFrom(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("ReadFrom accepted an unsupported version")
	}
}
