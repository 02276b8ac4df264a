package virtio

import (
	"fmt"
	"os"
	"sync"
)

// FileBackend is a BlockBackend over a raw disk image file.
type FileBackend struct {
	file *os.File
}

// OpenFileBackend opens a raw image. With readOnly the file is opened
// read-only and writes fail at the OS level.
func OpenFileBackend(path string, readOnly bool) (*FileBackend, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: open disk image: %w", err)
	}
	return &FileBackend{file: f}, nil
}

func (b *FileBackend) ReadAt(p []byte, off int64) (int, error)  { return b.file.ReadAt(p, off) }
func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) { return b.file.WriteAt(p, off) }
func (b *FileBackend) Sync() error                              { return b.file.Sync() }
func (b *FileBackend) Close() error                             { return b.file.Close() }

func (b *FileBackend) Size() (int64, error) {
	info, err := b.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// MemBackend is an in-memory BlockBackend, used for scratch disks and tests.
type MemBackend struct {
	mu   sync.Mutex
	data []byte
}

// NewMemBackend creates a zero-filled in-memory disk of the given size.
func NewMemBackend(size int64) *MemBackend {
	return &MemBackend{data: make([]byte, size)}
}

func (b *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("virtio: read [%d, %d) outside disk of %d bytes", off, off+int64(len(p)), len(b.data))
	}
	return copy(p, b.data[off:]), nil
}

func (b *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("virtio: write [%d, %d) outside disk of %d bytes", off, off+int64(len(p)), len(b.data))
	}
	return copy(b.data[off:], p), nil
}

func (b *MemBackend) Sync() error { return nil }

func (b *MemBackend) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data)), nil
}

// Bytes returns a copy of the disk contents.
func (b *MemBackend) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
