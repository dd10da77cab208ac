package memheap

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

const (
	smallRangeSize          = 256
	secondLevelIndex  uint8 = 5
	memoryClassShift        = 7
	maxMemoryClasses        = 65 - memoryClassShift
)

var blockPool = sync.Pool{
	New: func() any {
		return &block{}
	},
}

type block struct {
	offset       int
	size         int
	prevPhysical *block
	nextPhysical *block

	prevFree *block
	nextFree *block
}

func (b *block) markFree() {
	b.prevFree = nil
}

func (b *block) markTaken() {
	b.prevFree = b
}

func (b *block) isFree() bool {
	return b.prevFree != b
}

// Heap is a two-level segregated-fit allocator over an abstract range of bytes.
// It hands out offsets rather than memory: callers interpret the offsets against
// whatever backing store the range describes. All offsets returned by Alloc are
// relative to the base offset provided to Init.
type Heap struct {
	baseOffset int
	size       int

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [maxMemoryClasses]uint32

	taken     *swiss.Map[int, *block]
	freeList  []*block
	nullBlock *block
}

type allocRequest struct {
	block         *block
	alignedOffset int
}

func (h *Heap) allocateBlock() *block {
	b := blockPool.Get().(*block)
	b.offset = 0
	b.size = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.nextFree = nil
	b.prevFree = nil
	return b
}

// Init readies the heap to manage size bytes beginning at baseOffset. It may be
// called again on a used heap, in which case all outstanding allocations are
// abandoned.
func (h *Heap) Init(baseOffset, size int) {
	if size < 1 {
		panic(fmt.Sprintf("attempted to initialize a heap with invalid size %d", size))
	}

	h.baseOffset = baseOffset
	h.size = size
	h.taken = swiss.NewMap[int, *block](42)

	h.nullBlock = h.allocateBlock()
	h.nullBlock.size = size
	h.nullBlock.markFree()
	memoryClass := h.sizeToMemoryClass(size)
	sli := h.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << secondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	h.memoryClasses = int(memoryClass + 2)
	h.freeList = make([]*block, listSize)
}

// Size is the total number of bytes managed by this heap
func (h *Heap) Size() int {
	return h.size
}

// BaseOffset is the offset of the first managed byte
func (h *Heap) BaseOffset() int {
	return h.baseOffset
}

// FreeSize is the total number of unallocated bytes, without regard for how
// fragmented they are
func (h *Heap) FreeSize() int {
	return h.blocksFreeSize + h.nullBlock.size
}

// AllocationCount is the number of outstanding allocations
func (h *Heap) AllocationCount() int {
	return h.allocCount
}

// IsEmpty returns true when no allocations are outstanding
func (h *Heap) IsEmpty() bool {
	return h.nullBlock.offset == 0
}

func (h *Heap) sizeToMemoryClass(size int) uint8 {
	if size > smallRangeSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - memoryClassShift
	}

	return 0
}

func (h *Heap) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << secondLevelIndex
		indexVal := uint(size) >> (memoryClass + memoryClassShift - secondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (h *Heap) getListIndexFromSize(size int) int {
	memoryClass := h.sizeToMemoryClass(size)
	secondIndex := h.sizeToSecondIndex(size, memoryClass)
	return h.getListIndex(memoryClass, secondIndex)
}

func (h *Heap) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<secondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

// Alloc attempts to carve an aligned region of the requested size out of the
// heap's free space. On success it returns the region's offset, which will
// already include the heap's base offset. alignment must be a power of two.
func (h *Heap) Alloc(size int, alignment uint) (int, bool) {
	if size < 1 {
		panic(fmt.Sprintf("attempted to allocate an invalid size %d", size))
	}
	DebugCheckPow2(alignment, "allocation alignment")
	DebugValidate(h)

	if size > h.FreeSize() {
		return 0, false
	}

	var request allocRequest
	if !h.findRegion(size, alignment, &request) {
		return 0, false
	}

	h.commitRegion(&request, size)
	return h.baseOffset + request.alignedOffset, true
}

func (h *Heap) findRegion(allocSize int, allocAlignment uint, request *allocRequest) bool {
	// No free blocks beyond the null block means only one candidate
	if h.blocksFreeCount == 0 {
		return h.checkBlock(h.nullBlock, len(h.freeList), allocSize, allocAlignment, request)
	}

	// Round up to the next bucket so the first fit found is a guaranteed fit
	sizeForNextList := allocSize

	smallSizeStep := smallRangeSize / 4
	if allocSize > smallRangeSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(secondLevelIndex)))
	} else if allocSize > smallRangeSize-smallSizeStep {
		sizeForNextList = smallRangeSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	doFullSearch := false

	// Check larger bucket
	nextListBlock, nextListIndex := h.findFreeBlock(sizeForNextList)

	for nextListBlock != nil {
		doFullSearch = true
		if h.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, request) {
			return true
		}

		nextListBlock = nextListBlock.nextFree
	}

	// If failed, check null block
	if h.checkBlock(h.nullBlock, len(h.freeList), allocSize, allocAlignment, request) {
		return true
	}

	// Check best fit bucket
	prevListBlock, prevListIndex := h.findFreeBlock(allocSize)

	for prevListBlock != nil {
		if h.checkBlock(prevListBlock, prevListIndex, allocSize, allocAlignment, request) {
			return true
		}

		prevListBlock = prevListBlock.nextFree
	}

	if !doFullSearch {
		return false
	}

	// Worst case, full search has to be done
	for nextListIndex++; nextListIndex < len(h.freeList); nextListIndex++ {
		nextListBlock = h.freeList[nextListIndex]
		for nextListBlock != nil {
			if h.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, request) {
				return true
			}

			nextListBlock = nextListBlock.nextFree
		}
	}

	return false
}

func (h *Heap) checkBlock(
	candidate *block,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	request *allocRequest,
) bool {
	if !candidate.isFree() {
		panic(fmt.Sprintf("block at offset %d is already taken", candidate.offset))
	}

	alignedOffset := AlignUp(candidate.offset, allocAlignment)

	if candidate.size < allocSize+alignedOffset-candidate.offset {
		return false
	}

	request.block = candidate
	request.alignedOffset = alignedOffset

	// Place block at the start of list if it's a normal block
	if listIndex != len(h.freeList) && candidate.prevFree != nil {
		candidate.prevFree.nextFree = candidate.nextFree
		if candidate.nextFree != nil {
			candidate.nextFree.prevFree = candidate.prevFree
		}

		candidate.prevFree = nil
		candidate.nextFree = h.freeList[listIndex]
		h.freeList[listIndex] = candidate
		if candidate.nextFree != nil {
			candidate.nextFree.prevFree = candidate
		}
	}

	return true
}

func (h *Heap) findFreeBlock(size int) (*block, int) {
	memoryClass := h.sizeToMemoryClass(size)
	innerFreeMap := h.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << h.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available blocks
		freeMap := h.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros64(uint64(freeMap)))
		innerFreeMap = h.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := h.getListIndex(memoryClass, uint16(bits.TrailingZeros64(uint64(innerFreeMap))))
	if h.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", listIndex))
	}

	return h.freeList[listIndex], listIndex
}

func (h *Heap) commitRegion(request *allocRequest, size int) {
	currentBlock := request.block
	offset := request.alignedOffset

	if currentBlock != h.nullBlock {
		h.removeFreeBlock(currentBlock)
	}

	missingAlignment := offset - currentBlock.offset

	// Append missing alignment to the previous block or create a new one
	if missingAlignment != 0 {
		prevBlock := currentBlock.prevPhysical

		if prevBlock == nil {
			panic("somehow had missing alignment at offset 0")
		}

		if prevBlock.isFree() {
			oldListIndex := h.getListIndexFromSize(prevBlock.size)
			prevBlock.size += missingAlignment

			// If the new block size moves the block around
			if oldListIndex != h.getListIndexFromSize(prevBlock.size) {
				prevBlock.size -= missingAlignment
				h.removeFreeBlock(prevBlock)

				prevBlock.size += missingAlignment
				h.insertFreeBlock(prevBlock)
			} else {
				h.blocksFreeSize += missingAlignment
			}
		} else {
			newBlock := h.allocateBlock()
			currentBlock.prevPhysical = newBlock
			prevBlock.nextPhysical = newBlock
			newBlock.prevPhysical = prevBlock
			newBlock.nextPhysical = currentBlock
			newBlock.size = missingAlignment
			newBlock.offset = currentBlock.offset
			newBlock.markTaken()

			h.insertFreeBlock(newBlock)
		}

		currentBlock.size -= missingAlignment
		currentBlock.offset += missingAlignment
	}

	if currentBlock.size == size {
		if currentBlock == h.nullBlock {
			// Setup a new null block
			h.nullBlock = h.allocateBlock()
			h.nullBlock.size = 0
			h.nullBlock.offset = currentBlock.offset + size
			h.nullBlock.prevPhysical = currentBlock
			h.nullBlock.nextPhysical = nil
			h.nullBlock.markFree()
			h.nullBlock.prevFree = nil
			h.nullBlock.nextFree = nil
			currentBlock.nextPhysical = h.nullBlock
			currentBlock.markTaken()
		}
	} else if currentBlock.size < size {
		panic("the chosen block is too small for the request")
	} else {
		// Create a new free block from the tail of the chosen block
		newBlock := h.allocateBlock()
		newBlock.size = currentBlock.size - size
		newBlock.offset = currentBlock.offset + size
		newBlock.prevPhysical = currentBlock
		newBlock.nextPhysical = currentBlock.nextPhysical
		currentBlock.nextPhysical = newBlock
		currentBlock.size = size

		if currentBlock == h.nullBlock {
			h.nullBlock = newBlock
			h.nullBlock.markFree()
			h.nullBlock.nextFree = nil
			h.nullBlock.prevFree = nil
			currentBlock.markTaken()
		} else {
			newBlock.nextPhysical.prevPhysical = newBlock
			newBlock.markTaken()
			h.insertFreeBlock(newBlock)
		}
	}

	h.taken.Put(currentBlock.offset, currentBlock)
	h.allocCount++
}

// Free returns a previously-allocated region to the heap, merging it with any
// free neighbors. The offset and size must exactly match a live allocation.
func (h *Heap) Free(offset, size int) error {
	DebugValidate(h)

	innerOffset := offset - h.baseOffset
	freedBlock, ok := h.taken.Get(innerOffset)
	if !ok {
		return errors.Errorf("no live allocation at offset %d", offset)
	}
	if freedBlock.size != size {
		return errors.Errorf("allocation at offset %d is %d bytes, but the free request was for %d bytes", offset, freedBlock.size, size)
	}
	h.taken.Delete(innerOffset)

	next := freedBlock.nextPhysical
	h.allocCount--

	// Try merging
	prev := freedBlock.prevPhysical
	if prev != nil && prev.isFree() {
		h.removeFreeBlock(prev)
		h.mergeBlock(freedBlock, prev)
	}

	if !next.isFree() {
		h.insertFreeBlock(freedBlock)
	} else if next == h.nullBlock {
		h.mergeBlock(h.nullBlock, freedBlock)
	} else {
		h.removeFreeBlock(next)
		h.mergeBlock(next, freedBlock)

		h.insertFreeBlock(next)
	}

	return nil
}

func (h *Heap) removeFreeBlock(b *block) {
	if b == h.nullBlock {
		panic("cannot remove the null block")
	}
	if !b.isFree() {
		panic("provided block is not free")
	}

	// Remove from free list chain
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		memClass := h.sizeToMemoryClass(b.size)
		secondIndex := h.sizeToSecondIndex(b.size, memClass)
		index := h.getListIndex(memClass, secondIndex)

		if h.freeList[index] != b {
			panic("block was not in the free list at the expected location")
		}
		h.freeList[index] = b.nextFree
		if b.nextFree == nil {
			h.innerIsFreeBitmap[memClass] &= ^(1 << secondIndex)
			if h.innerIsFreeBitmap[memClass] == 0 {
				h.isFreeBitmap &= ^(1 << memClass)
			}
		}
	}

	b.markTaken()
	h.blocksFreeCount--
	h.blocksFreeSize -= b.size
}

func (h *Heap) insertFreeBlock(b *block) {
	if b == h.nullBlock {
		panic("cannot insert the null block")
	}

	if b.isFree() {
		panic("block is already free")
	}

	memClass := h.sizeToMemoryClass(b.size)
	secondIndex := h.sizeToSecondIndex(b.size, memClass)
	index := h.getListIndex(memClass, secondIndex)

	if index >= len(h.freeList) {
		panic("invalid free list index found for block")
	}

	b.prevFree = nil
	b.nextFree = h.freeList[index]
	h.freeList[index] = b
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	} else {
		h.innerIsFreeBitmap[memClass] |= 1 << secondIndex
		h.isFreeBitmap |= 1 << memClass
	}
	h.blocksFreeCount++
	h.blocksFreeSize += b.size
}

func (h *Heap) mergeBlock(b *block, prev *block) {
	if b.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.isFree() {
		panic("cannot merge a block that belongs to the free list")
	}

	b.offset = prev.offset
	b.size += prev.size
	b.prevPhysical = prev.prevPhysical
	if b.prevPhysical != nil {
		b.prevPhysical.nextPhysical = b
	}

	blockPool.Put(prev)
}

// Reset abandons all outstanding allocations, returning the heap to its
// just-initialized state. It runs in time proportional to the number of
// live blocks rather than the heap size.
func (h *Heap) Reset() {
	h.allocCount = 0
	h.blocksFreeCount = 0
	h.blocksFreeSize = 0
	h.isFreeBitmap = 0
	h.nullBlock.offset = 0
	h.nullBlock.size = h.size
	b := h.nullBlock.prevPhysical
	h.nullBlock.prevPhysical = nil

	for b != nil {
		prev := b.prevPhysical
		blockPool.Put(b)
		b = prev
	}

	h.taken = swiss.NewMap[int, *block](42)
	h.freeList = make([]*block, len(h.freeList))
	h.innerIsFreeBitmap = [maxMemoryClasses]uint32{}
}

// Validate walks the heap's internal structures and verifies every invariant
// it can, returning an error describing the first inconsistency found
func (h *Heap) Validate() error {
	if h.FreeSize() > h.Size() {
		return errors.New("invalid heap free size")
	}

	calculatedSize := h.nullBlock.size
	calculatedFreeSize := h.nullBlock.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(h.freeList); listIndex++ {
		b := h.freeList[listIndex]
		if b == nil {
			continue
		}

		if !b.isFree() {
			return errors.Errorf("block at offset %d is in the free list but is not free", b.offset)
		}

		if b.prevFree != nil {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", b.offset)
		}

		freeListCount++
		for b.nextFree != nil {
			if !b.nextFree.isFree() {
				return errors.Errorf("block at offset %d is in the free list but it is not free", b.nextFree.offset)
			}
			if b.nextFree.prevFree != b {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", b.offset, b.nextFree.offset)
			}

			freeListCount++
			b = b.nextFree
		}
	}

	if h.nullBlock.nextPhysical != nil {
		return errors.New("null block must be the tail of its physical block chain")
	}

	if h.nullBlock.prevPhysical != nil && h.nullBlock.prevPhysical.nextPhysical != h.nullBlock {
		return errors.New("null block has a physical block before it in its chain, but the reverse reference is broken")
	}

	nextOffset := h.nullBlock.offset

	for prev := h.nullBlock.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical block at offset %d does not end at the next block's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.isFree() {
			freeCount++

			calculatedFreeSize += prev.size
		} else {
			allocCount++

			mapped, ok := h.taken.Get(prev.offset)
			if !ok {
				return errors.Errorf("taken block at offset %d is missing from the offset map", prev.offset)
			}
			if mapped != prev {
				return errors.Errorf("the offset map entry at offset %d points at a different block", prev.offset)
			}
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("block at offset %d has a previous physical block, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical block should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != h.size {
		return errors.Errorf("the full size of the heap is %d, but the blocks only added up to %d", h.size, calculatedSize)
	}

	if calculatedFreeSize != h.FreeSize() {
		return errors.Errorf("the free size of the heap is %d, but the free blocks only added up to %d", h.FreeSize(), calculatedFreeSize)
	}

	if allocCount != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but the taken blocks only added up to %d", h.allocCount, allocCount)
	}

	if freeCount != h.blocksFreeCount {
		return errors.Errorf("the free block count of the heap is %d, but there were only %d free blocks", h.blocksFreeCount, freeCount)
	}

	return nil
}

func (h *Heap) AddDetailedStatistics(stats *DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += h.size
	if h.nullBlock.size > 0 {
		stats.AddUnusedRange(h.nullBlock.size)
	}

	for b := h.nullBlock.prevPhysical; b != nil; b = b.prevPhysical {
		if b.isFree() {
			stats.AddUnusedRange(b.size)
		} else {
			stats.AddAllocation(b.size)
		}
	}
}

func (h *Heap) AddStatistics(stats *Statistics) {
	stats.HeapCount++
	stats.AllocationCount += h.allocCount
	stats.HeapBytes += h.size
	stats.AllocationBytes += h.size - h.FreeSize()
}

// PrintDetailedMap writes this heap's usage and region list into a json object
func (h *Heap) PrintDetailedMap(json jwriter.ObjectState) {
	var stats DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(h.size)
	json.Name("UsedBytes").Int(stats.AllocationBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	blockCount := h.allocCount + h.blocksFreeCount
	blockList := make([]*block, blockCount)

	i := blockCount
	for b := h.nullBlock.prevPhysical; b != nil; b = b.prevPhysical {
		i--
		blockList[i] = b
	}

	if i != 0 {
		panic("the heap's block count does not match the number of physical blocks")
	}

	regions := json.Name("Regions").Array()
	for _, b := range blockList {
		region := regions.Object()
		region.Name("Offset").Int(h.baseOffset + b.offset)
		region.Name("Size").Int(b.size)
		region.Name("Free").Bool(b.isFree())
		region.End()
	}
	regions.End()
}
