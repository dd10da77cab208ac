package descriptor

import (
	"sync/atomic"

	"github.com/gpukit/descbind/memheap"
)

// State is a chunk of CPU-visible state memory with its GPU address.
type State struct {
	Offset  int
	Map     []byte
	Address uint64
}

func (s State) IsZero() bool {
	return s.Map == nil
}

const streamBlockSize = 4096

// simulatedVA hands out non-overlapping GPU addresses for state blocks and
// pool backing stores. Real devices get these from their address allocator.
var simulatedVA atomic.Uint64

func init() {
	simulatedVA.Store(1 << 32)
}

func claimDeviceAddress(size int) uint64 {
	aligned := memheap.AlignUp(size, streamBlockSize)
	return simulatedVA.Add(uint64(aligned)) - uint64(aligned)
}

type streamBlock struct {
	mem     []byte
	address uint64
	next    int
}

// StateStream is a growing bump allocator for transient hardware state, used
// by push descriptor sets and surface state spill. Allocations live until
// Reset.
type StateStream struct {
	blockSize int
	blocks    []streamBlock
}

func NewStateStream() *StateStream {
	return &StateStream{blockSize: streamBlockSize}
}

// Alloc returns alignment-aligned state of the given size. Sizes beyond the
// block size get a dedicated block.
func (s *StateStream) Alloc(size int, alignment uint) State {
	if size <= 0 {
		panic("state stream allocation size must be positive")
	}
	memheap.DebugCheckPow2(int(alignment), "alignment")

	if len(s.blocks) > 0 {
		blk := &s.blocks[len(s.blocks)-1]
		offset := memheap.AlignUp(blk.next, alignment)
		if offset+size <= len(blk.mem) {
			blk.next = offset + size
			return State{
				Offset:  offset,
				Map:     blk.mem[offset : offset+size : offset+size],
				Address: blk.address + uint64(offset),
			}
		}
	}

	blockSize := s.blockSize
	if size > blockSize {
		blockSize = memheap.AlignUp(size, uint(s.blockSize))
	}
	blk := streamBlock{
		mem:     make([]byte, blockSize),
		address: claimDeviceAddress(blockSize),
		next:    size,
	}
	s.blocks = append(s.blocks, blk)

	return State{
		Offset:  0,
		Map:     blk.mem[0:size:size],
		Address: blk.address,
	}
}

// Reset discards all allocations. Previously returned States must not be
// used afterward.
func (s *StateStream) Reset() {
	s.blocks = s.blocks[:0]
}
