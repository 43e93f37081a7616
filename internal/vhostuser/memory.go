package vhostuser

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MemoryTable is the set of guest memory regions mapped into this process.
type MemoryTable struct {
	mappings []mapping
}

type mapping struct {
	region MemoryRegion
	data   []byte
}

// MapMemoryTable maps one region per descriptor. The descriptors are always closed; the
// mappings stay valid until Close.
func MapMemoryTable(regions []MemoryRegion, files []int) (*MemoryTable, error) {
	defer closeFiles(files)

	if len(regions) != len(files) {
		return nil, fmt.Errorf("memory table has %d regions but %d descriptors", len(regions), len(files))
	}

	table := &MemoryTable{mappings: make([]mapping, 0, len(regions))}
	for i, region := range regions {
		if region.MemorySize == 0 {
			_ = table.Close()
			return nil, fmt.Errorf("memory region %d is empty", i)
		}
		length := region.MemorySize + region.MmapOffset
		if length < region.MemorySize || length > uint64(maxMappingSize) {
			_ = table.Close()
			return nil, fmt.Errorf("memory region %d of %d bytes at offset %d is too large", i, region.MemorySize, region.MmapOffset)
		}

		data, err := unix.Mmap(files[i], 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_NORESERVE)
		if err != nil {
			_ = table.Close()
			return nil, fmt.Errorf("mmap memory region %d: %w", i, err)
		}
		table.mappings = append(table.mappings, mapping{region: region, data: data})
	}
	return table, nil
}

// maxMappingSize bounds a single region so the length fits an int on every platform.
const maxMappingSize = int(^uint(0) >> 1)

// Regions returns the mapped region descriptions. A nil table has none.
func (m *MemoryTable) Regions() []MemoryRegion {
	if m == nil {
		return nil
	}
	regions := make([]MemoryRegion, len(m.mappings))
	for i, mp := range m.mappings {
		regions[i] = mp.region
	}
	return regions
}

// Translate returns the mapped bytes backing [addr, addr+length) in frontend virtual address space.
func (m *MemoryTable) Translate(addr, length uint64) ([]byte, error) {
	for _, mp := range m.mappings {
		r := mp.region
		if addr < r.UserspaceAddr || addr-r.UserspaceAddr >= r.MemorySize {
			continue
		}
		offset := addr - r.UserspaceAddr
		if length > r.MemorySize-offset {
			return nil, fmt.Errorf("range %#x+%d crosses the end of its memory region", addr, length)
		}
		start := r.MmapOffset + offset
		return mp.data[start : start+length : start+length], nil
	}
	return nil, fmt.Errorf("address %#x is not in any mapped memory region", addr)
}

// Close unmaps every region. It is safe to call more than once.
func (m *MemoryTable) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, mp := range m.mappings {
		if err := unix.Munmap(mp.data); err != nil {
			errs = append(errs, err)
		}
	}
	m.mappings = nil
	return errors.Join(errs...)
}
