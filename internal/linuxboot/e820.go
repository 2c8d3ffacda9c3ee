package linuxboot

import "github.com/acer51-doctom/superboot/internal/firmware"

// E820Type is the historical BIOS memory-map entry type.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
	E820ACPI     E820Type = 3
	E820NVS      E820Type = 4
)

// E820Entry is one range of the map handed to the kernel.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

// e820TypeFor lowers an EFI memory type. Everything the kernel can reuse
// becomes RAM; ACPI regions keep their identity; the rest is reserved.
func e820TypeFor(t firmware.MemoryType) E820Type {
	switch t {
	case firmware.MemLoaderCode, firmware.MemLoaderData,
		firmware.MemBootServicesCode, firmware.MemBootServicesData,
		firmware.MemConventional:
		return E820Ram
	case firmware.MemACPIReclaim:
		return E820ACPI
	case firmware.MemACPINVS:
		return E820NVS
	default:
		return E820Reserved
	}
}

// E820FromMemoryMap converts EFI descriptors to E820 entries, merging
// adjacent ranges of the same type. The output preserves the firmware's
// map order.
func E820FromMemoryMap(descs []firmware.MemoryDescriptor) []E820Entry {
	out := make([]E820Entry, 0, len(descs))
	for _, d := range descs {
		if d.NumberOfPages == 0 {
			continue
		}
		e := E820Entry{
			Addr: d.PhysicalStart,
			Size: d.NumberOfPages * firmware.PageSize,
			Type: e820TypeFor(d.Type),
		}
		if n := len(out); n > 0 && out[n-1].Type == e.Type && out[n-1].Addr+out[n-1].Size == e.Addr {
			out[n-1].Size += e.Size
			continue
		}
		out = append(out, e)
	}
	return out
}
