package proc

import (
	"encoding/binary"
	"fmt"
)

const cacheEnabled = true

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	if end < addr {
		return false
	}
	return addr >= m.cacheAddr && end <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// cacheMemory returns a MemoryReader that serves reads in [addr, addr+size)
// from a single read of mem. If that read fails mem is returned unchanged.
func cacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	n, err := mem.ReadMemory(cache, addr)
	if err != nil || n != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}

// readUintRaw reads an unsigned integer of size bytes at addr.
func readUintRaw(mem MemoryReader, addr uint64, size int, order binary.ByteOrder) (uint64, error) {
	buf := make([]byte, size)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return 0, err
	}
	if n != size {
		return 0, fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, size)
	}
	switch size {
	case 4:
		return uint64(order.Uint32(buf)), nil
	case 8:
		return order.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("invalid register size %d", size)
	}
}
