package firmware

import (
	"encoding/binary"
	"fmt"

	efi "github.com/canonical/go-efilib"
)

// Handoff records where a simulated boot ended up. The boot_params bytes are
// copied at handoff time so later mutations don't alter the record.
type Handoff struct {
	Mode           string // "handover", "legacy" or "chainload"
	Entry          uint64
	BootParams     []byte
	BootParamsAddr uint64
	ImagePath      string
}

// Sim is an in-process stand-in for the firmware. Allocations are host
// buffers tagged with deterministic simulated physical addresses; the memory
// map is synthesized; handoffs are captured instead of executed.
//
// Behavior knobs (all zero-valued by default):
//   - DenyExactAllocs forces AllocateAddress to fail, exercising the
//     relocatable-kernel fallback.
//   - FailExitOnce makes the first ExitBootServices fail with a stale key,
//     exercising the re-fetch-and-retry path.
//   - NoHandover makes HandoverEFI report ErrUnsupported.
//   - RefuseBufferLoad makes LoadImage reject in-memory buffers so the
//     chain-loader falls back to a device-path-only load.
type Sim struct {
	DenyExactAllocs  bool
	FailExitOnce     bool
	NoHandover       bool
	RefuseBufferLoad bool

	Map []MemoryDescriptor

	Handoffs []Handoff
	Started  []ImageHandle

	nextAddr   uint64
	mapKey     uint64
	exited     bool
	nextHandle ImageHandle
	images     map[ImageHandle]loadedImage
	allocs     map[uint64]*Allocation
}

// AllocationAt returns the live allocation with the given simulated
// physical address, for tests and reports that need to inspect handed-off
// memory.
func (s *Sim) AllocationAt(addr uint64) (*Allocation, bool) {
	a, ok := s.allocs[addr]
	return a, ok
}

func (s *Sim) remember(a *Allocation) *Allocation {
	if s.allocs == nil {
		s.allocs = map[uint64]*Allocation{}
	}
	s.allocs[a.Addr] = a
	return a
}

type loadedImage struct {
	path string
	size int
}

const simAllocBase = 0x0400_0000

// NewSim builds a simulator with a small plausible memory map.
func NewSim() *Sim {
	return &Sim{
		Map: []MemoryDescriptor{
			{Type: MemConventional, PhysicalStart: 0x0000_0000, NumberOfPages: 0x9F},
			{Type: MemReserved, PhysicalStart: 0x0009_F000, NumberOfPages: 0x61},
			{Type: MemConventional, PhysicalStart: 0x0010_0000, NumberOfPages: 0x3_FF00},
			{Type: MemACPIReclaim, PhysicalStart: 0x7FF8_0000, NumberOfPages: 0x40},
			{Type: MemACPINVS, PhysicalStart: 0x7FFC_0000, NumberOfPages: 0x40},
		},
	}
}

func (s *Sim) bump(size uint64, align uint64) uint64 {
	if s.nextAddr == 0 {
		s.nextAddr = simAllocBase
	}
	addr := (s.nextAddr + align - 1) &^ (align - 1)
	s.nextAddr = addr + size
	return addr
}

// AllocatePages implements Services.
func (s *Sim) AllocatePages(t AllocateType, addr uint64, size uint64) (*Allocation, error) {
	if s.exited {
		return nil, ErrExited
	}
	if size == 0 {
		return nil, fmt.Errorf("zero-size page allocation")
	}
	pages := (size + PageSize - 1) / PageSize
	s.mapKey++

	a := &Allocation{}
	switch t {
	case AllocateAddress:
		if s.DenyExactAllocs {
			return nil, fmt.Errorf("address %#x unavailable", addr)
		}
		a.Addr = addr
	case AllocateMaxAddress:
		a.Addr = s.bump(pages*PageSize, PageSize)
		if a.Addr+pages*PageSize > addr {
			return nil, fmt.Errorf("no memory below %#x", addr)
		}
	default:
		a.Addr = s.bump(pages*PageSize, PageSize)
	}
	a.Buf = make([]byte, pages*PageSize)
	return s.remember(a), nil
}

// AllocatePool implements Services.
func (s *Sim) AllocatePool(size int) (*Allocation, error) {
	if s.exited {
		return nil, ErrExited
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", size)
	}
	s.mapKey++
	return s.remember(&Allocation{Addr: s.bump(uint64(size), 8), Buf: make([]byte, size)}), nil
}

// Free implements Services.
func (s *Sim) Free(a *Allocation) error {
	if s.exited {
		return ErrExited
	}
	if a == nil || a.Buf == nil {
		return fmt.Errorf("double free")
	}
	a.Buf = nil
	s.mapKey++
	return nil
}

func (s *Sim) descriptorBytes() []byte {
	const descSize = 48
	out := make([]byte, len(s.Map)*descSize)
	for i, d := range s.Map {
		off := i * descSize
		binary.LittleEndian.PutUint32(out[off:], uint32(d.Type))
		binary.LittleEndian.PutUint64(out[off+8:], d.PhysicalStart)
		binary.LittleEndian.PutUint64(out[off+24:], d.NumberOfPages)
		binary.LittleEndian.PutUint64(out[off+40:], d.Attribute)
	}
	return out
}

// MemoryMapSize implements Services.
func (s *Sim) MemoryMapSize() (int, int, error) {
	if s.exited {
		return 0, 0, ErrExited
	}
	const descSize = 48
	return len(s.Map) * descSize, descSize, nil
}

// ReadMemoryMap implements Services.
func (s *Sim) ReadMemoryMap(buf []byte) (*MemoryMap, error) {
	if s.exited {
		return nil, ErrExited
	}
	raw := s.descriptorBytes()
	if len(buf) < len(raw) {
		return nil, fmt.Errorf("map buffer too small: %d < %d", len(buf), len(raw))
	}
	copy(buf, raw)

	descs := make([]MemoryDescriptor, len(s.Map))
	copy(descs, s.Map)
	return &MemoryMap{Descriptors: descs, MapKey: s.mapKey, DescriptorSize: 48}, nil
}

// ExitBootServices implements Services.
func (s *Sim) ExitBootServices(mapKey uint64) (Runtime, error) {
	if s.exited {
		return nil, ErrExited
	}
	if s.FailExitOnce {
		s.FailExitOnce = false
		s.mapKey++
		return nil, fmt.Errorf("stale map key %#x", mapKey)
	}
	if mapKey != s.mapKey {
		return nil, fmt.Errorf("stale map key %#x", mapKey)
	}
	s.exited = true
	return &simRuntime{sim: s}, nil
}

// HandoverEFI implements Services. The capture return stands in for "entered
// the kernel and never came back".
func (s *Sim) HandoverEFI(entry uint64, bootParams *Allocation) error {
	if s.exited {
		return ErrExited
	}
	if s.NoHandover {
		return fmt.Errorf("efi handover: %w", ErrUnsupported)
	}
	bp := make([]byte, len(bootParams.Buf))
	copy(bp, bootParams.Buf)
	s.Handoffs = append(s.Handoffs, Handoff{Mode: "handover", Entry: entry, BootParams: bp})
	return nil
}

// LoadImage implements Services.
func (s *Sim) LoadImage(dp efi.DevicePath, buf []byte) (ImageHandle, error) {
	if s.exited {
		return 0, ErrExited
	}
	if buf != nil && s.RefuseBufferLoad {
		return 0, fmt.Errorf("buffer load refused: %w", ErrUnsupported)
	}
	if s.images == nil {
		s.images = map[ImageHandle]loadedImage{}
	}
	s.nextHandle++
	s.images[s.nextHandle] = loadedImage{path: dp.String(), size: len(buf)}
	return s.nextHandle, nil
}

// StartImage implements Services.
func (s *Sim) StartImage(h ImageHandle) error {
	if s.exited {
		return ErrExited
	}
	img, ok := s.images[h]
	if !ok {
		return fmt.Errorf("unknown image handle %d", h)
	}
	s.Started = append(s.Started, h)
	s.Handoffs = append(s.Handoffs, Handoff{Mode: "chainload", ImagePath: img.path})
	return nil
}

// UnloadImage implements Services.
func (s *Sim) UnloadImage(h ImageHandle) error {
	if s.exited {
		return ErrExited
	}
	if _, ok := s.images[h]; !ok {
		return fmt.Errorf("unknown image handle %d", h)
	}
	delete(s.images, h)
	return nil
}

// simRuntime is the post-exit capability: it can only jump.
type simRuntime struct {
	sim *Sim
}

func (r *simRuntime) JumpLegacy(entry uint64, bootParams uint64) error {
	h := Handoff{Mode: "legacy", Entry: entry, BootParamsAddr: bootParams}
	if a, ok := r.sim.allocs[bootParams]; ok && a.Buf != nil {
		h.BootParams = make([]byte, len(a.Buf))
		copy(h.BootParams, a.Buf)
	}
	r.sim.Handoffs = append(r.sim.Handoffs, h)
	return nil
}
