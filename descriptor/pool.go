package descriptor

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/gpukit/descbind/memheap"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"golang.org/x/exp/slog"
)

// PoolSize declares capacity for Count descriptors of one type.
type PoolSize struct {
	Type  DescriptorType
	Count int
	// MutableTypes lists the types TypeMutable entries must accommodate. An
	// empty list means every candidate type.
	MutableTypes []DescriptorType
}

type PoolCreateInfo struct {
	Flags   PoolCreateFlags
	MaxSets int
	// PoolSizes declares the pool's descriptor capacity. For inline uniform
	// blocks Count is a byte size.
	PoolSizes []PoolSize
	// MaxInlineUniformBlockBindings must cover the inline uniform block
	// bindings of all sets allocated from the pool
	MaxInlineUniformBlockBindings int
}

// Host memory accounting costs per set, descriptor and buffer view. These
// drive the fragmented-vs-exhausted error split the same way real set
// structures would.
const (
	setHeaderCost  = 192
	descriptorCost = 96
	bufferViewCost = 64
)

// Pool owns the surface, sampler and host memory that descriptor sets are
// carved from. Pools are not safe for concurrent use.
type Pool struct {
	logger *slog.Logger
	dev    *DeviceInfo
	flags  PoolCreateFlags

	surfaceMem  []byte
	surfaceAddr uint64
	surfaceHeap memheap.Heap

	samplerMem  []byte
	samplerAddr uint64
	samplerHeap memheap.Heap

	// hostHeap tracks host-side set memory by cost, with no backing bytes
	hostHeap memheap.Heap

	stream     *StateStream
	freeStates []State

	liveSets map[*Set]struct{}
}

// NewPool sizes and creates a pool that can hold MaxSets sets drawing from
// the declared PoolSizes.
func NewPool(logger *slog.Logger, dev *DeviceInfo, info PoolCreateInfo) (*Pool, common.VkResult, error) {
	logger.Debug("Pool::NewPool")

	if info.MaxSets < 1 {
		return nil, core1_0.VKErrorUnknown, cerrors.New("pool MaxSets must be at least 1")
	}

	layoutType := LayoutTypeDirect
	if dev.IndirectDescriptors {
		layoutType = LayoutTypeIndirect
	}

	descCount := 0
	bviewCount := 0
	surfaceBytes := 0
	samplerBytes := 0

	maxSamplerCount := 0
	if dev.UpperBoundPoolSamplerCount {
		for i := range info.PoolSizes {
			if info.PoolSizes[i].Count > maxSamplerCount {
				maxSamplerCount = info.PoolSizes[i].Count
			}
		}
	}

	for i := range info.PoolSizes {
		entry := &info.PoolSizes[i]
		if entry.Count < 1 {
			return nil, core1_0.VKErrorUnknown, cerrors.Errorf("pool size entry %d has count %d", i, entry.Count)
		}

		if entry.Type == TypeInlineUniformBlock {
			if info.MaxInlineUniformBlockBindings < 1 {
				return nil, core1_0.VKErrorUnknown, cerrors.New("inline uniform pool capacity requires MaxInlineUniformBlockBindings")
			}
			// Count is a byte size for inline blocks
			surfaceBytes += entry.Count
			continue
		}

		binding := SetLayoutBinding{
			Type:            entry.Type,
			DescriptorCount: entry.Count,
			MutableTypes:    entry.MutableTypes,
		}
		data := dataKindForBinding(dev, layoutType, 0, &binding)

		planes := 1
		if entry.Type == TypeCombinedImageSampler {
			// Worst case for multi-plane format conversions
			planes = 3
		}

		surfaceBytes += surfaceSizeForKind(dev, data) * planes * entry.Count

		samplerCount := entry.Count
		if dev.UpperBoundPoolSamplerCount && samplerSizeForKind(dev, data) > 0 {
			samplerCount = maxSamplerCount
		}
		samplerBytes += samplerSizeForKind(dev, data) * planes * samplerCount

		descCount += entry.Count
		if data&DataBufferView != 0 {
			bviewCount += entry.Count
		}
	}

	// Per-set alignment padding for the surface region, plus padding for
	// each inline uniform binding's alignment
	surfaceBytes += int(dev.UniformBufferAlignment) * info.MaxSets
	surfaceBytes += int(dev.UniformBufferAlignment) * info.MaxInlineUniformBlockBindings

	// Each inline uniform binding costs one descriptor record, however many
	// bytes it holds
	descCount += info.MaxInlineUniformBlockBindings

	hostBytes := setHeaderCost*info.MaxSets + descriptorCost*descCount + bufferViewCost*bviewCount

	pool := &Pool{
		logger:   logger,
		dev:      dev,
		flags:    info.Flags,
		stream:   NewStateStream(),
		liveSets: make(map[*Set]struct{}),
	}

	pool.hostHeap.Init(0, hostBytes)
	if surfaceBytes > 0 {
		pool.surfaceMem = make([]byte, HeapBaseOffset+surfaceBytes)
		pool.surfaceHeap.Init(HeapBaseOffset, surfaceBytes)
		if info.Flags&PoolCreateHostOnly == 0 {
			pool.surfaceAddr = claimDeviceAddress(len(pool.surfaceMem))
		}
	}
	if samplerBytes > 0 {
		pool.samplerMem = make([]byte, HeapBaseOffset+samplerBytes)
		pool.samplerHeap.Init(HeapBaseOffset, samplerBytes)
		if info.Flags&PoolCreateHostOnly == 0 {
			pool.samplerAddr = claimDeviceAddress(len(pool.samplerMem))
		}
	}

	return pool, core1_0.VKSuccess, nil
}

func (p *Pool) Device() *DeviceInfo  { return p.dev }
func (p *Pool) HostOnly() bool       { return p.flags&PoolCreateHostOnly != 0 }
func (p *Pool) LiveSetCount() int    { return len(p.liveSets) }
// SurfaceFreeSize is the unallocated byte count of the surface heap.
func (p *Pool) SurfaceFreeSize() int {
	if p.surfaceMem == nil {
		return 0
	}
	return p.surfaceHeap.FreeSize()
}

// SamplerFreeSize is the unallocated byte count of the sampler heap.
func (p *Pool) SamplerFreeSize() int {
	if p.samplerMem == nil {
		return 0
	}
	return p.samplerHeap.FreeSize()
}

// failureResult classifies an allocation failure: a request that would fit
// in the heap's total free space fails due to fragmentation, anything larger
// means the pool is simply out of memory.
func failureResult(heap *memheap.Heap, size int) (common.VkResult, error) {
	if size <= heap.FreeSize() {
		return core1_0.VKErrorFragmentedPool, cerrors.New("pool has enough free memory but it is fragmented")
	}
	return core1_1.VkErrorOutOfPoolMemory, cerrors.New("pool is out of memory")
}

func (p *Pool) allocState() State {
	if n := len(p.freeStates); n > 0 {
		s := p.freeStates[n-1]
		p.freeStates = p.freeStates[:n-1]
		return s
	}
	return p.stream.Alloc(p.dev.SurfaceStateSize, p.dev.SurfaceStateAlignment)
}

func (p *Pool) freeState(s State) {
	if !s.IsZero() {
		p.freeStates = append(p.freeStates, s)
	}
}

// AllocateSet carves one set of the given layout out of the pool.
// variableCount is the element count for the layout's variable-count
// binding, ignored when the layout has none.
func (p *Pool) AllocateSet(layout *SetLayout, variableCount int) (*Set, common.VkResult, error) {
	if layout.flags&SetLayoutCreatePushDescriptor != 0 {
		return nil, core1_0.VKErrorUnknown, cerrors.New("push descriptor layouts cannot be allocated from pools")
	}

	descCount := layout.DescriptorCountWithVariable(variableCount)
	bviewCount := layout.BufferViewCountWithVariable(variableCount)
	surfaceSize := memheap.AlignUp(layout.DescriptorSurfaceSizeWithVariable(variableCount), p.dev.UniformBufferAlignment)
	samplerSize := layout.DescriptorSamplerSizeWithVariable(variableCount)

	hostCost := setHeaderCost + descriptorCost*descCount + bufferViewCost*bviewCount
	hostOffset, ok := p.hostHeap.Alloc(hostCost, 1)
	if !ok {
		res, err := failureResult(&p.hostHeap, hostCost)
		return nil, res, err
	}

	var surfaceOffset, samplerOffset int
	if surfaceSize > 0 {
		if p.surfaceMem == nil {
			p.mustFreeHost(hostOffset, hostCost)
			return nil, core1_1.VkErrorOutOfPoolMemory, cerrors.New("pool declared no surface descriptor capacity")
		}
		surfaceOffset, ok = p.surfaceHeap.Alloc(surfaceSize, p.dev.UniformBufferAlignment)
		if !ok {
			res, err := failureResult(&p.surfaceHeap, surfaceSize)
			p.mustFreeHost(hostOffset, hostCost)
			return nil, res, err
		}
	}
	if samplerSize > 0 {
		if p.samplerMem == nil {
			if surfaceSize > 0 {
				p.mustFreeRegion(&p.surfaceHeap, surfaceOffset, surfaceSize)
			}
			p.mustFreeHost(hostOffset, hostCost)
			return nil, core1_1.VkErrorOutOfPoolMemory, cerrors.New("pool declared no sampler descriptor capacity")
		}
		samplerOffset, ok = p.samplerHeap.Alloc(samplerSize, p.dev.SamplerStateAlignment)
		if !ok {
			res, err := failureResult(&p.samplerHeap, samplerSize)
			if surfaceSize > 0 {
				p.mustFreeRegion(&p.surfaceHeap, surfaceOffset, surfaceSize)
			}
			p.mustFreeHost(hostOffset, hostCost)
			return nil, res, err
		}
	}

	set := &Set{
		pool:   p,
		layout: layout.Ref(),

		hostMem: Range{Offset: hostOffset, Size: hostCost},

		descriptors: make([]Descriptor, descCount),
		bufferViews: make([]BufferView, bviewCount),
	}

	if surfaceSize > 0 {
		set.surfaceMem = Range{Offset: surfaceOffset, Size: surfaceSize}
		set.surfaceData = p.surfaceMem[surfaceOffset : surfaceOffset+surfaceSize : surfaceOffset+surfaceSize]
		zeroBytes(set.surfaceData)
		if p.surfaceAddr != 0 {
			set.surfaceAddr = p.surfaceAddr + uint64(surfaceOffset)
		}
	}
	if samplerSize > 0 {
		set.samplerMem = Range{Offset: samplerOffset, Size: samplerSize}
		set.samplerData = p.samplerMem[samplerOffset : samplerOffset+samplerSize : samplerOffset+samplerSize]
		zeroBytes(set.samplerData)
		if p.samplerAddr != 0 {
			set.samplerAddr = p.samplerAddr + uint64(samplerOffset)
		}
	}

	// Indirect layouts address the whole surface region through one buffer
	// surface the shaders read descriptors from
	if layout.layoutType == LayoutTypeIndirect && surfaceSize > 0 && !p.HostOnly() {
		set.descSurfaceState = p.allocState()
		fillBufferSurfaceState(p.dev, set.descSurfaceState.Map, set.surfaceAddr, uint64(surfaceSize))
	}

	set.prefillImmutableSamplers()

	p.liveSets[set] = struct{}{}
	return set, core1_0.VKSuccess, nil
}

// AllocateSets allocates one set per layout, unwinding everything on the
// first failure.
func (p *Pool) AllocateSets(layouts []*SetLayout, variableCounts []int) ([]*Set, common.VkResult, error) {
	sets := make([]*Set, 0, len(layouts))
	for i, layout := range layouts {
		varCount := 0
		if variableCounts != nil {
			varCount = variableCounts[i]
		}
		set, res, err := p.AllocateSet(layout, varCount)
		if err != nil {
			p.FreeSets(sets...)
			return nil, res, err
		}
		sets = append(sets, set)
	}
	return sets, core1_0.VKSuccess, nil
}

func (p *Pool) mustFreeHost(offset, size int) {
	if err := p.hostHeap.Free(offset, size); err != nil {
		panic(err)
	}
}

func (p *Pool) mustFreeRegion(heap *memheap.Heap, offset, size int) {
	if err := heap.Free(offset, size); err != nil {
		panic(err)
	}
}

// FreeSets returns the sets' memory to the pool. The sets must not be used
// afterward.
func (p *Pool) FreeSets(sets ...*Set) {
	for _, set := range sets {
		if set == nil {
			continue
		}
		if _, ok := p.liveSets[set]; !ok {
			panic("set does not belong to this pool or was already freed")
		}
		delete(p.liveSets, set)

		if set.surfaceMem.Size > 0 {
			p.mustFreeRegion(&p.surfaceHeap, set.surfaceMem.Offset, set.surfaceMem.Size)
		}
		if set.samplerMem.Size > 0 {
			p.mustFreeRegion(&p.samplerHeap, set.samplerMem.Offset, set.samplerMem.Size)
		}
		p.mustFreeHost(set.hostMem.Offset, set.hostMem.Size)
		for i := range set.bufferViews {
			p.freeState(set.bufferViews[i].SurfaceState)
			set.bufferViews[i] = BufferView{}
		}
		p.freeState(set.descSurfaceState)
		set.descSurfaceState = State{}

		set.layout.Unref()
		set.pool = nil
	}
}

// Reset returns every live set's memory at once, in time proportional to the
// number of live sets rather than their contents.
func (p *Pool) Reset() {
	p.logger.Debug("Pool::Reset")

	for set := range p.liveSets {
		set.layout.Unref()
		set.pool = nil
	}
	p.liveSets = make(map[*Set]struct{})

	p.hostHeap.Reset()
	if p.surfaceMem != nil {
		p.surfaceHeap.Reset()
	}
	if p.samplerMem != nil {
		p.samplerHeap.Reset()
	}
	p.stream.Reset()
	p.freeStates = p.freeStates[:0]
}

// Destroy releases the pool's backing memory. Live sets become invalid.
func (p *Pool) Destroy() {
	p.logger.Debug("Pool::Destroy")

	for set := range p.liveSets {
		set.layout.Unref()
		set.pool = nil
	}
	p.liveSets = nil
	p.surfaceMem = nil
	p.samplerMem = nil
	p.stream = nil
	p.freeStates = nil
}

// AddDetailedStatistics accumulates the pool's surface and sampler heap
// statistics into stats.
func (p *Pool) AddDetailedStatistics(stats *memheap.DetailedStatistics) {
	if p.surfaceMem != nil {
		p.surfaceHeap.AddDetailedStatistics(stats)
	}
	if p.samplerMem != nil {
		p.samplerHeap.AddDetailedStatistics(stats)
	}
}

// PrintDetailedMap writes the pool's heap layouts as JSON.
func (p *Pool) PrintDetailedMap(obj jwriter.ObjectState) {
	obj.Name("LiveSets").Int(len(p.liveSets))
	obj.Name("HostOnly").Bool(p.HostOnly())
	if p.surfaceMem != nil {
		surfObj := obj.Name("SurfaceHeap").Object()
		p.surfaceHeap.PrintDetailedMap(surfObj)
		surfObj.End()
	}
	if p.samplerMem != nil {
		sampObj := obj.Name("SamplerHeap").Object()
		p.samplerHeap.PrintDetailedMap(sampObj)
		sampObj.End()
	}
}

// BuildStatsString returns the pool's detailed map as a JSON document.
func (p *Pool) BuildStatsString() []byte {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	p.PrintDetailedMap(obj)
	obj.End()
	return writer.Bytes()
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
