package descriptor

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/gpukit/descbind/memheap"
)

// PushSet is a descriptor set pushed through the command stream rather than
// allocated from a pool. One PushSet per bind point is reused across
// pushes; Prepare readies it for the next layout, recycling the previous
// state memory whenever the GPU is done with it.
type PushSet struct {
	set Set

	// Fixed backing so reuse never allocates
	descriptors [MaxPushDescriptors]Descriptor
	bufferViews [MaxPushDescriptors]BufferView

	usedOnGPU bool
}

// Set returns the underlying set, valid between Prepare and Finish.
func (p *PushSet) Set() *Set { return &p.set }

// UsedOnGPU reports whether the set's current state memory may still be read
// by submitted work.
func (p *PushSet) UsedOnGPU() bool { return p.usedOnGPU }

// SetUsedOnGPU marks the set's state memory as referenced by submitted work,
// forcing the next Prepare to allocate fresh memory instead of overwriting.
func (p *PushSet) SetUsedOnGPU() { p.usedOnGPU = true }

// Prepare readies the push set for writes against the given layout. State
// memory comes from the streams; previously written descriptors survive when
// the layout is unchanged.
func (p *PushSet) Prepare(surfaceStream, samplerStream *StateStream, layout *SetLayout) error {
	if layout.flags&SetLayoutCreatePushDescriptor == 0 {
		return cerrors.New("layout was not created for push descriptors")
	}
	if layout.DescriptorCount() > MaxPushDescriptors {
		return cerrors.Errorf("layout needs %d descriptors, push sets carry at most %d",
			layout.DescriptorCount(), MaxPushDescriptors)
	}

	dev := layout.dev
	sameLayout := p.set.layout == layout

	if !sameLayout {
		if p.set.layout != nil {
			p.set.layout.Unref()
		}
		p.set.layout = layout.Ref()
		p.set.isPush = true
		p.set.pendingSurfaceStates = 0

		p.set.descriptors = p.descriptors[:layout.DescriptorCount()]
		p.set.bufferViews = p.bufferViews[:layout.BufferViewCount()]
		for i := range p.set.descriptors {
			p.set.descriptors[i] = Descriptor{}
		}
		for i := range p.set.bufferViews {
			p.set.bufferViews[i] = BufferView{}
		}
	}

	surfaceSize := memheap.AlignUp(layout.DescriptorSurfaceSize(), dev.UniformBufferAlignment)
	if surfaceSize > 0 && (p.usedOnGPU || len(p.set.surfaceData) < surfaceSize || !sameLayout) {
		state := surfaceStream.Alloc(surfaceSize, dev.UniformBufferAlignment)
		if sameLayout && p.set.surfaceData != nil {
			copy(state.Map, p.set.surfaceData)
		}
		p.set.surfaceData = state.Map
		p.set.surfaceAddr = state.Address
		p.set.surfaceMem = Range{Offset: state.Offset, Size: surfaceSize}

		// The buffer view states pointed into the old memory's address space
		for i := range p.set.bufferViews {
			if p.set.bufferViews[i].Address != 0 {
				p.set.pendingSurfaceStates |= 1 << uint(i)
			}
		}
	}

	samplerSize := layout.DescriptorSamplerSize()
	if samplerSize > 0 && (p.usedOnGPU || len(p.set.samplerData) < samplerSize || !sameLayout) {
		state := samplerStream.Alloc(samplerSize, dev.SamplerStateAlignment)
		if sameLayout && p.set.samplerData != nil {
			copy(state.Map, p.set.samplerData)
		}
		p.set.samplerData = state.Map
		p.set.samplerAddr = state.Address
		p.set.samplerMem = Range{Offset: state.Offset, Size: samplerSize}
	}

	p.usedOnGPU = false
	return nil
}

// MaterializeSurfaceStates allocates and fills the surface states of every
// buffer view written since the last materialization.
func (p *PushSet) MaterializeSurfaceStates(stream *StateStream) {
	dev := p.set.layout.dev
	for i := range p.set.bufferViews {
		if p.set.pendingSurfaceStates&(1<<uint(i)) == 0 {
			continue
		}
		view := &p.set.bufferViews[i]
		view.SurfaceState = stream.Alloc(dev.SurfaceStateSize, dev.SurfaceStateAlignment)
		view.SurfaceHandle = surfaceStateHandle(dev, view.SurfaceState.Offset)
		if view.Address != 0 {
			fillBufferSurfaceState(dev, view.SurfaceState.Map, view.Address, view.Range)
		} else {
			copy(view.SurfaceState.Map, dev.NullSurfaceState)
		}
	}
	p.set.pendingSurfaceStates = 0
}

// Finish releases the push set's layout reference. The state memory belongs
// to the streams and is reclaimed by their owner.
func (p *PushSet) Finish() {
	if p.set.layout != nil {
		p.set.layout.Unref()
	}
	p.set = Set{}
	p.usedOnGPU = false
}
