// Package firmware is the boundary between the boot pipeline and the
// platform. Everything above it — scanner, VFS, parsers, boot engine — is
// ordinary deterministic code; everything below it is whatever the platform
// provides. The Sim implementation in this package backs the CLI's dry-run
// mode and the tests.
package firmware

import (
	"errors"

	efi "github.com/canonical/go-efilib"
)

// AllocateType mirrors the firmware page-allocation strategies.
type AllocateType int

const (
	// AllocateAnyPages places the region anywhere.
	AllocateAnyPages AllocateType = iota
	// AllocateMaxAddress places the region wholly below the given address.
	AllocateMaxAddress
	// AllocateAddress places the region at exactly the given address.
	AllocateAddress
)

// PageSize is the allocation granularity.
const PageSize = 4096

// MemoryType mirrors the EFI memory descriptor types we care about.
type MemoryType uint32

const (
	MemReserved MemoryType = iota
	MemLoaderCode
	MemLoaderData
	MemBootServicesCode
	MemBootServicesData
	MemRuntimeServicesCode
	MemRuntimeServicesData
	MemConventional
	MemUnusable
	MemACPIReclaim
	MemACPINVS
	MemMappedIO
	MemMappedIOPortSpace
	MemPalCode
	MemPersistent
)

// MemoryDescriptor is one entry of the firmware memory map.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	NumberOfPages uint64
	Attribute     uint64
}

// MemoryMap is a snapshot of the firmware memory map. The key is only valid
// until the next allocation.
type MemoryMap struct {
	Descriptors    []MemoryDescriptor
	MapKey         uint64
	DescriptorSize int
}

// Allocation is a region of boot memory: a simulated physical address plus
// the host view of its bytes. Buf always has exactly the allocated length.
type Allocation struct {
	Addr uint64
	Buf  []byte
}

// ImageHandle identifies a loaded UEFI image.
type ImageHandle uint64

// ErrExited is returned by service calls made after ExitBootServices.
var ErrExited = errors.New("boot services exited")

// ErrUnsupported is returned by services the platform does not provide.
var ErrUnsupported = errors.New("unsupported firmware service")

// Services is what boot services offer before ExitBootServices. A successful
// ExitBootServices consumes the value: further calls fail with ErrExited and
// only the returned Runtime remains usable.
type Services interface {
	// AllocatePages allocates whole pages covering size bytes. addr is the
	// cap for AllocateMaxAddress, the exact placement for AllocateAddress,
	// and ignored for AllocateAnyPages.
	AllocatePages(t AllocateType, addr uint64, size uint64) (*Allocation, error)
	// AllocatePool allocates a byte-granular buffer.
	AllocatePool(size int) (*Allocation, error)
	// Free releases an allocation. Freeing twice is an error.
	Free(*Allocation) error

	// MemoryMapSize reports the current map size in bytes and the size of
	// one descriptor, without snapshotting the map.
	MemoryMapSize() (mapSize, descSize int, err error)
	// ReadMemoryMap snapshots the memory map into buf. The buffer must have
	// been sized (with slack) by the caller; no allocation happens here.
	ReadMemoryMap(buf []byte) (*MemoryMap, error)
	// ExitBootServices tears down boot services. A stale map key fails the
	// call and leaves boot services running; the caller re-reads the map and
	// retries exactly once.
	ExitBootServices(mapKey uint64) (Runtime, error)

	// HandoverEFI enters a kernel's EFI stub at entry with boot services
	// still running; the stub exits them itself. A return is an error.
	HandoverEFI(entry uint64, bootParams *Allocation) error

	// LoadImage loads a UEFI application from an in-memory buffer with the
	// given source device path. A nil buf asks the firmware to fetch the
	// image through the device path instead.
	LoadImage(dp efi.DevicePath, buf []byte) (ImageHandle, error)
	// StartImage transfers control to a loaded image and returns its status;
	// a return is normal for chain-loaded payloads.
	StartImage(h ImageHandle) error
	// UnloadImage disposes a loaded image that was never started.
	UnloadImage(h ImageHandle) error
}

// Runtime is all that is left after ExitBootServices: pure computation and
// the final jump. No allocation, no logging, no failure path back.
type Runtime interface {
	// JumpLegacy enters the kernel at its 64-bit entry point with the
	// boot_params physical address in the platform's first-argument
	// register. On real hardware this does not return.
	JumpLegacy(entry uint64, bootParams uint64) error
}
