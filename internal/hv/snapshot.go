package hv

import (
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Snapshot file format constants.
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

type snapshotFile struct {
	Magic   uint32
	Version uint32
	Devices map[string][]byte
}

// SnapshotRegistry collects the Suspendable devices of a VM and serializes
// them as named opaque blobs keyed by device id. Devices must be asleep while
// a snapshot is taken; WriteTo sleeps them, captures, and wakes them again.
type SnapshotRegistry struct {
	mu      sync.Mutex
	devices map[string]Suspendable
}

func NewSnapshotRegistry() *SnapshotRegistry {
	return &SnapshotRegistry{devices: make(map[string]Suspendable)}
}

// Register adds a device under a unique id.
func (r *SnapshotRegistry) Register(id string, dev Suspendable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		return fmt.Errorf("hv: device id %q already registered", id)
	}
	r.devices[id] = dev
	return nil
}

func (r *SnapshotRegistry) ids() []string {
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WriteTo stops every registered device, captures its state, writes the
// snapshot file, and wakes the devices. Per-device blobs are opaque to the
// file format.
func (r *SnapshotRegistry) WriteTo(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.ids() {
		if err := r.devices[id].Sleep(); err != nil {
			return fmt.Errorf("hv: sleep device %q: %w", id, err)
		}
	}
	defer func() {
		for _, id := range r.ids() {
			_ = r.devices[id].Wake()
		}
	}()

	file := snapshotFile{
		Magic:   SnapshotMagic,
		Version: SnapshotVersion,
		Devices: make(map[string][]byte, len(r.devices)),
	}
	for _, id := range r.ids() {
		blob, err := r.devices[id].Snapshot()
		if err != nil {
			return fmt.Errorf("hv: snapshot device %q: %w", id, err)
		}
		file.Devices[id] = blob
	}

	if err := gob.NewEncoder(w).Encode(&file); err != nil {
		return fmt.Errorf("hv: encode snapshot: %w", err)
	}
	return nil
}

// ReadFrom restores every registered device from the snapshot file. Devices
// present in the file but not registered are an error, as are registered
// devices missing from the file.
func (r *SnapshotRegistry) ReadFrom(rd io.Reader) error {
	var file snapshotFile
	if err := gob.NewDecoder(rd).Decode(&file); err != nil {
		return fmt.Errorf("hv: decode snapshot: %w", err)
	}
	if file.Magic != SnapshotMagic {
		return fmt.Errorf("hv: bad snapshot magic %#x", file.Magic)
	}
	if file.Version != SnapshotVersion {
		return fmt.Errorf("hv: unsupported snapshot version %d", file.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(file.Devices) != len(r.devices) {
		return fmt.Errorf("hv: snapshot has %d devices, registry has %d", len(file.Devices), len(r.devices))
	}
	for _, id := range r.ids() {
		blob, ok := file.Devices[id]
		if !ok {
			return fmt.Errorf("hv: snapshot missing device %q", id)
		}
		if err := r.devices[id].Sleep(); err != nil {
			return fmt.Errorf("hv: sleep device %q: %w", id, err)
		}
		if err := r.devices[id].Restore(blob); err != nil {
			return fmt.Errorf("hv: restore device %q: %w", id, err)
		}
		if err := r.devices[id].Wake(); err != nil {
			return fmt.Errorf("hv: wake device %q: %w", id, err)
		}
	}
	return nil
}
