package descriptor

import (
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"
	"github.com/gpukit/descbind/memheap"
)

// Range is an offset/size pair within one of a pool's heaps.
type Range struct {
	Offset int
	Size   int
}

// Set is an allocated descriptor set: a slice of its pool's surface and
// sampler regions plus CPU-side records of everything written into it.
type Set struct {
	pool   *Pool
	layout *SetLayout

	hostMem    Range
	surfaceMem Range
	samplerMem Range

	surfaceData []byte
	samplerData []byte
	surfaceAddr uint64
	samplerAddr uint64

	// descSurfaceState describes the surface region as a buffer for
	// indirect layouts
	descSurfaceState State

	descriptors []Descriptor
	bufferViews []BufferView

	// isPush marks sets owned by a PushSet; their buffer view surface
	// states are materialized lazily through pendingSurfaceStates
	isPush               bool
	pendingSurfaceStates uint64
}

func (s *Set) Layout() *SetLayout { return s.layout }

func (s *Set) SurfaceAddress() uint64 { return s.surfaceAddr }
func (s *Set) SamplerAddress() uint64 { return s.samplerAddr }

// DescriptorSurfaceState is the buffer surface describing the set's surface
// region, zero for direct layouts and host-only pools.
func (s *Set) DescriptorSurfaceState() State { return s.descSurfaceState }

func (s *Set) Descriptor(index int) *Descriptor { return &s.descriptors[index] }

func (s *Set) BufferView(index int) *BufferView { return &s.bufferViews[index] }

// BindingSurfaceAddress returns the GPU address of one element's surface
// data.
func (s *Set) BindingSurfaceAddress(binding, element int) uint64 {
	b := s.layout.Binding(binding)
	return s.surfaceAddr + uint64(b.DescriptorSurfaceOffset+element*b.DescriptorSurfaceStride)
}

// BindingSurfaceBytes returns the binding's whole surface-region slice.
func (s *Set) BindingSurfaceBytes(binding int) []byte {
	b := s.layout.Binding(binding)
	size := b.DescriptorSurfaceStride * b.ArraySize
	if b.Type == TypeInlineUniformBlock {
		size = b.ArraySize
	}
	return s.surfaceData[b.DescriptorSurfaceOffset : b.DescriptorSurfaceOffset+size]
}

func (s *Set) resolveBinding(binding, element int, descType DescriptorType) (*BindingLayout, error) {
	b := s.layout.Binding(binding)
	if b == nil {
		return nil, cerrors.Errorf("set layout has no binding %d", binding)
	}
	if element < 0 || element >= b.ArraySize {
		return nil, cerrors.Errorf("element %d is out of range for binding %d of size %d", element, binding, b.ArraySize)
	}
	if b.Type == TypeMutable {
		allowed := b.MutableTypes
		if len(allowed) == 0 {
			allowed = mutableCandidateTypes
		}
		for _, t := range allowed {
			if t == descType {
				return b, nil
			}
		}
		return nil, cerrors.Errorf("type %s is not in the mutable type list of binding %d", descType, binding)
	}
	if b.Type != descType {
		return nil, cerrors.Errorf("write of type %s does not match binding %d of type %s", descType, binding, b.Type)
	}
	return b, nil
}

// kindOffset returns where one representation's bytes start within a single
// plane of a descriptor element. The order matches how the per-element size
// is accumulated.
func kindOffset(dev *DeviceInfo, data, kind DataKind) int {
	offset := 0
	if kind == DataSampledImageHandle {
		return offset
	}
	if data&DataSampledImageHandle != 0 {
		offset += sampledImageDescriptorSize
	}
	if kind == DataStorageImageHandle {
		return offset
	}
	if data&DataStorageImageHandle != 0 {
		offset += storageImageDescriptorSize
	}
	if kind == DataAddressRange {
		return offset
	}
	if data&DataAddressRange != 0 {
		offset += addressRangeDescriptorSize
	}
	if kind == DataSurface || kind == DataSurfaceSampler {
		return offset
	}
	if data&DataSurface != 0 {
		offset += memheap.AlignUp(dev.SurfaceStateSize, dev.SurfaceStateAlignment)
	}
	// Sampler bytes folded into the surface region on flat layouts
	return offset
}

// elementPlane returns the surface-region bytes of one plane of one element.
func (s *Set) elementPlane(b *BindingLayout, element, plane int) []byte {
	perPlane := b.DescriptorSurfaceStride / b.MaxPlaneCount
	base := b.DescriptorSurfaceOffset + element*b.DescriptorSurfaceStride + plane*perPlane
	return s.surfaceData[base : base+perPlane]
}

func isStorageType(t DescriptorType) bool {
	return t == TypeStorageImage || t == TypeStorageTexelBuffer
}

// WriteImageView writes an image view, a sampler, or both into one element.
// A nil view or sampler writes the null descriptor for the corresponding
// representations.
func (s *Set) WriteImageView(binding, element int, descType DescriptorType, view *ImageView, sampler *Sampler) error {
	b, err := s.resolveBinding(binding, element, descType)
	if err != nil {
		return err
	}

	if b.ImmutableSamplers != nil {
		sampler = b.ImmutableSamplers[element]
	}

	desc := &s.descriptors[b.DescriptorIndex+element]
	*desc = Descriptor{Type: descType, ImageView: view, Sampler: sampler}

	for plane := 0; plane < b.MaxPlaneCount; plane++ {
		var vp *ImageViewPlane
		if view != nil && plane < len(view.Planes) {
			vp = &view.Planes[plane]
		}

		if b.DescriptorSurfaceStride > 0 {
			mem := s.elementPlane(b, element, plane)
			s.writeImagePlane(b, mem, vp, view, sampler, plane, isStorageType(descType))
		}

		if b.DescriptorSamplerStride > 0 {
			s.writeSamplerPlane(b, element, plane, sampler)
		}
	}

	return nil
}

func (s *Set) writeImagePlane(b *BindingLayout, mem []byte, vp *ImageViewPlane, view *ImageView, sampler *Sampler, plane int, storage bool) {
	dev := s.layout.dev

	if b.Data&DataSampledImageHandle != 0 {
		slot := mem[kindOffset(dev, b.Data, DataSampledImageHandle):]
		var img, samp uint32
		if vp != nil {
			img = vp.SurfaceHandle
		}
		if sampler != nil && plane < len(sampler.States) {
			samp = sampler.BindlessOffset + uint32(plane*dev.SamplerStateSize)
		}
		binary.LittleEndian.PutUint32(slot, img)
		binary.LittleEndian.PutUint32(slot[4:], samp)
	}

	if b.Data&DataStorageImageHandle != 0 {
		slot := mem[kindOffset(dev, b.Data, DataStorageImageHandle):]
		var img, depth uint32
		if vp != nil && storage {
			img = vp.StorageHandle
		}
		if view != nil {
			depth = view.Depth
		}
		binary.LittleEndian.PutUint32(slot, img)
		binary.LittleEndian.PutUint32(slot[4:], depth)
	}

	if b.Data&(DataSurface|DataSurfaceSampler) != 0 {
		slot := mem[kindOffset(dev, b.Data, DataSurface):]
		var state []byte
		if vp != nil {
			state = vp.SurfaceState
			if storage {
				state = vp.StorageSurfaceState
			}
		}
		if state == nil {
			state = dev.NullSurfaceState
		}
		copy(slot, state)
	}

	if b.Data&DataSurfaceSampler != 0 {
		slot := mem[kindOffset(dev, b.Data, DataSurface)+memheap.AlignUp(dev.SurfaceStateSize, dev.SurfaceStateAlignment):]
		if sampler != nil && plane < len(sampler.States) {
			copy(slot[:dev.SamplerStateSize], sampler.States[plane])
		} else {
			zeroBytes(slot[:dev.SamplerStateSize])
		}
	}

	// Lone sampler state in the surface region only happens on flat layouts
	if b.Data&DataSampler != 0 && s.layout.layoutType == LayoutTypeBuffer {
		slot := mem[kindOffset(dev, b.Data, DataSampler):]
		if sampler != nil && plane < len(sampler.States) {
			copy(slot[:dev.SamplerStateSize], sampler.States[plane])
		} else {
			zeroBytes(slot[:dev.SamplerStateSize])
		}
	}
}

func (s *Set) writeSamplerPlane(b *BindingLayout, element, plane int, sampler *Sampler) {
	dev := s.layout.dev
	base := b.DescriptorSamplerOffset + element*b.DescriptorSamplerStride + plane*dev.SamplerStateSize
	slot := s.samplerData[base : base+dev.SamplerStateSize]
	if sampler != nil && plane < len(sampler.States) {
		copy(slot, sampler.States[plane])
	} else {
		zeroBytes(slot)
	}
}

// WriteBuffer writes a buffer range into one element. A nil buffer writes
// the null descriptor.
func (s *Set) WriteBuffer(binding, element int, descType DescriptorType, buffer *Buffer, offset, rng uint64) error {
	b, err := s.resolveBinding(binding, element, descType)
	if err != nil {
		return err
	}

	dev := s.layout.dev

	bindRange := uint64(0)
	if buffer != nil {
		if rng == WholeSize {
			rng = buffer.Size - offset
		}
		bindRange = rng
		if descType == TypeUniformBuffer || descType == TypeUniformBufferDynamic {
			bindRange = uint64(memheap.AlignUp(int(bindRange), dev.UniformBufferAlignment))
			if bindRange > buffer.Size-offset {
				bindRange = buffer.Size - offset
			}
		}
	}

	desc := &s.descriptors[b.DescriptorIndex+element]
	*desc = Descriptor{
		Type:      descType,
		Buffer:    buffer,
		Offset:    offset,
		Range:     rng,
		BindRange: bindRange,
	}
	if buffer == nil {
		desc.Offset = 0
		desc.Range = 0
	}

	var address uint64
	if buffer != nil {
		address = buffer.Address + offset
	}

	if b.DescriptorSurfaceStride > 0 {
		mem := s.elementPlane(b, element, 0)

		if b.Data&DataAddressRange != 0 {
			slot := mem[kindOffset(dev, b.Data, DataAddressRange):]
			binary.LittleEndian.PutUint64(slot, address)
			binary.LittleEndian.PutUint64(slot[8:], bindRange)
		}

		if b.Data&DataSurface != 0 {
			slot := mem[kindOffset(dev, b.Data, DataSurface):]
			if buffer == nil {
				copy(slot[:dev.SurfaceStateSize], dev.NullSurfaceState)
			} else {
				fillBufferSurfaceState(dev, slot[:dev.SurfaceStateSize], address, bindRange)
			}
		}
	}

	if b.Data&DataBufferView != 0 {
		view := &s.bufferViews[b.BufferViewIndex+element]
		view.Address = address
		view.Range = bindRange
		s.materializeBufferView(b, element, view, buffer != nil)
	}

	return nil
}

// materializeBufferView fills the view's surface state, or defers it for
// push sets until a state stream is available.
func (s *Set) materializeBufferView(b *BindingLayout, element int, view *BufferView, valid bool) {
	if s.isPush {
		s.pendingSurfaceStates |= 1 << uint(b.BufferViewIndex+element)
		return
	}

	if view.SurfaceState.IsZero() {
		view.SurfaceState = s.pool.allocState()
		view.SurfaceHandle = surfaceStateHandle(s.layout.dev, view.SurfaceState.Offset)
	}
	if valid {
		fillBufferSurfaceState(s.layout.dev, view.SurfaceState.Map, view.Address, view.Range)
	} else {
		copy(view.SurfaceState.Map, s.layout.dev.NullSurfaceState)
	}
}

// WriteTexelBufferView writes a formatted buffer view into one element. A
// nil view writes the null descriptor.
func (s *Set) WriteTexelBufferView(binding, element int, descType DescriptorType, view *TexelBufferView) error {
	b, err := s.resolveBinding(binding, element, descType)
	if err != nil {
		return err
	}

	desc := &s.descriptors[b.DescriptorIndex+element]
	*desc = Descriptor{Type: descType, TexelBufferView: view}

	dev := s.layout.dev
	storage := isStorageType(descType)

	if b.DescriptorSurfaceStride > 0 {
		mem := s.elementPlane(b, element, 0)

		if b.Data&DataSampledImageHandle != 0 {
			slot := mem[kindOffset(dev, b.Data, DataSampledImageHandle):]
			var handle uint32
			if view != nil {
				handle = view.SurfaceHandle
			}
			binary.LittleEndian.PutUint32(slot, handle)
			binary.LittleEndian.PutUint32(slot[4:], 0)
		}

		if b.Data&DataStorageImageHandle != 0 {
			slot := mem[kindOffset(dev, b.Data, DataStorageImageHandle):]
			var handle uint32
			if view != nil && storage {
				handle = view.StorageHandle
			}
			binary.LittleEndian.PutUint32(slot, handle)
			binary.LittleEndian.PutUint32(slot[4:], 0)
		}

		if b.Data&(DataSurface|DataSurfaceSampler) != 0 {
			slot := mem[kindOffset(dev, b.Data, DataSurface):]
			var state []byte
			if view != nil {
				state = view.SurfaceState
				if storage {
					state = view.StorageSurfaceState
				}
			}
			if state == nil {
				state = dev.NullSurfaceState
			}
			copy(slot, state)
		}
	}

	return nil
}

// WriteInlineUniformData copies raw bytes into an inline uniform block
// binding, starting at the given byte offset.
func (s *Set) WriteInlineUniformData(binding, offset int, data []byte) error {
	b := s.layout.Binding(binding)
	if b == nil {
		return cerrors.Errorf("set layout has no binding %d", binding)
	}
	if b.Type != TypeInlineUniformBlock {
		return cerrors.Errorf("binding %d of type %s is not an inline uniform block", binding, b.Type)
	}
	if offset < 0 || offset+len(data) > b.ArraySize {
		return cerrors.Errorf("inline write of %d bytes at offset %d exceeds binding %d of %d bytes",
			len(data), offset, binding, b.ArraySize)
	}

	s.descriptors[b.DescriptorIndex] = Descriptor{Type: TypeInlineUniformBlock}
	copy(s.surfaceData[b.DescriptorSurfaceOffset+offset:], data)
	return nil
}

// WriteAccelerationStructure writes an acceleration structure into one
// element. A nil structure writes the null descriptor.
func (s *Set) WriteAccelerationStructure(binding, element int, accel *AccelerationStructure) error {
	b, err := s.resolveBinding(binding, element, TypeAccelerationStructure)
	if err != nil {
		return err
	}

	desc := &s.descriptors[b.DescriptorIndex+element]
	*desc = Descriptor{Type: TypeAccelerationStructure, AccelerationStructure: accel}

	dev := s.layout.dev
	mem := s.elementPlane(b, element, 0)
	slot := mem[kindOffset(dev, b.Data, DataAddressRange):]

	var address, size uint64
	if accel != nil {
		address = accel.Address
		size = accel.Size
	}
	binary.LittleEndian.PutUint64(slot, address)
	binary.LittleEndian.PutUint64(slot[8:], size)

	return nil
}

// prefillImmutableSamplers writes immutable sampler state into a freshly
// allocated set so bindings with immutable samplers work without any writes.
func (s *Set) prefillImmutableSamplers() {
	for i := 0; i < s.layout.BindingCount(); i++ {
		b := s.layout.Binding(i)
		if b == nil || b.ImmutableSamplers == nil {
			continue
		}
		for e := 0; e < b.ArraySize && e < len(b.ImmutableSamplers); e++ {
			_ = s.WriteImageView(i, e, b.Type, nil, b.ImmutableSamplers[e])
		}
	}
}

// copyElements copies Count elements between two non-inline bindings,
// including raw state bytes the destination layout has room for.
func copyElements(src *Set, sb *BindingLayout, srcElem int, dst *Set, db *BindingLayout, dstElem, count int) {
	for e := 0; e < count; e++ {
		dst.descriptors[db.DescriptorIndex+dstElem+e] = src.descriptors[sb.DescriptorIndex+srcElem+e]

		if sb.DescriptorSurfaceStride > 0 && db.DescriptorSurfaceStride > 0 {
			n := sb.DescriptorSurfaceStride
			if db.DescriptorSurfaceStride < n {
				n = db.DescriptorSurfaceStride
			}
			srcMem := src.surfaceData[sb.DescriptorSurfaceOffset+(srcElem+e)*sb.DescriptorSurfaceStride:]
			dstMem := dst.surfaceData[db.DescriptorSurfaceOffset+(dstElem+e)*db.DescriptorSurfaceStride:]
			copy(dstMem[:n], srcMem[:n])
		}

		if sb.DescriptorSamplerStride > 0 && db.DescriptorSamplerStride > 0 {
			n := sb.DescriptorSamplerStride
			if db.DescriptorSamplerStride < n {
				n = db.DescriptorSamplerStride
			}
			srcMem := src.samplerData[sb.DescriptorSamplerOffset+(srcElem+e)*sb.DescriptorSamplerStride:]
			dstMem := dst.samplerData[db.DescriptorSamplerOffset+(dstElem+e)*db.DescriptorSamplerStride:]
			copy(dstMem[:n], srcMem[:n])
		}

		if sb.BufferViewIndex >= 0 && db.BufferViewIndex >= 0 {
			srcView := &src.bufferViews[sb.BufferViewIndex+srcElem+e]
			dstView := &dst.bufferViews[db.BufferViewIndex+dstElem+e]
			dstView.Address = srcView.Address
			dstView.Range = srcView.Range
			dst.materializeBufferView(db, dstElem+e, dstView, srcView.Address != 0)
		}
	}
}

// WriteDescriptorSet is one batched write. The element count is the length
// of whichever payload slice matches Type; elements past the end of the
// target binding roll over into subsequent bindings.
type WriteDescriptorSet struct {
	Set          *Set
	Binding      int
	ArrayElement int
	Type         DescriptorType

	ImageInfos             []ImageInfo
	BufferInfos            []BufferInfo
	TexelBufferViews       []*TexelBufferView
	AccelerationStructures []*AccelerationStructure
	InlineData             []byte
}

// ImageInfo is one image element of a batched write.
type ImageInfo struct {
	View    *ImageView
	Sampler *Sampler
}

// BufferInfo is one buffer element of a batched write.
type BufferInfo struct {
	Buffer *Buffer
	Offset uint64
	Range  uint64
}

// CopyDescriptorSet copies Count consecutive elements between sets of
// compatible bindings. For inline uniform blocks the elements are bytes.
type CopyDescriptorSet struct {
	SrcSet          *Set
	SrcBinding      int
	SrcArrayElement int
	DstSet          *Set
	DstBinding      int
	DstArrayElement int
	Count           int
}

func (w *WriteDescriptorSet) count() int {
	switch w.Type {
	case TypeInlineUniformBlock:
		return len(w.InlineData)
	case TypeUniformTexelBuffer, TypeStorageTexelBuffer:
		return len(w.TexelBufferViews)
	case TypeUniformBuffer, TypeStorageBuffer, TypeUniformBufferDynamic, TypeStorageBufferDynamic:
		return len(w.BufferInfos)
	case TypeAccelerationStructure:
		return len(w.AccelerationStructures)
	default:
		return len(w.ImageInfos)
	}
}

func (w *WriteDescriptorSet) applyElement(binding, element, index int) error {
	switch w.Type {
	case TypeUniformTexelBuffer, TypeStorageTexelBuffer:
		return w.Set.WriteTexelBufferView(binding, element, w.Type, w.TexelBufferViews[index])
	case TypeUniformBuffer, TypeStorageBuffer, TypeUniformBufferDynamic, TypeStorageBufferDynamic:
		info := w.BufferInfos[index]
		return w.Set.WriteBuffer(binding, element, w.Type, info.Buffer, info.Offset, info.Range)
	case TypeAccelerationStructure:
		return w.Set.WriteAccelerationStructure(binding, element, w.AccelerationStructures[index])
	default:
		info := w.ImageInfos[index]
		return w.Set.WriteImageView(binding, element, w.Type, info.View, info.Sampler)
	}
}

// UpdateSets applies all writes, then all copies.
func UpdateSets(writes []WriteDescriptorSet, copies []CopyDescriptorSet) error {
	for i := range writes {
		w := &writes[i]

		if w.Type == TypeInlineUniformBlock {
			if err := w.Set.WriteInlineUniformData(w.Binding, w.ArrayElement, w.InlineData); err != nil {
				return err
			}
			continue
		}

		binding := w.Binding
		element := w.ArrayElement
		for index := 0; index < w.count(); index++ {
			b := w.Set.layout.Binding(binding)
			if b == nil {
				return cerrors.Errorf("set layout has no binding %d", binding)
			}
			for element >= b.ArraySize {
				element -= b.ArraySize
				binding++
				b = w.Set.layout.Binding(binding)
				if b == nil {
					return cerrors.Errorf("write rolled past the last binding at element %d", index)
				}
			}
			if err := w.applyElement(binding, element, index); err != nil {
				return err
			}
			element++
		}
	}

	for i := range copies {
		c := &copies[i]
		sb := c.SrcSet.layout.Binding(c.SrcBinding)
		db := c.DstSet.layout.Binding(c.DstBinding)
		if sb == nil || db == nil {
			return cerrors.New("copy references a missing binding")
		}

		if sb.Type == TypeInlineUniformBlock {
			if db.Type != TypeInlineUniformBlock {
				return cerrors.New("inline uniform blocks can only be copied to inline uniform blocks")
			}
			srcMem := c.SrcSet.surfaceData[sb.DescriptorSurfaceOffset+c.SrcArrayElement:]
			if err := c.DstSet.WriteInlineUniformData(c.DstBinding, c.DstArrayElement, srcMem[:c.Count]); err != nil {
				return err
			}
			continue
		}

		if c.SrcArrayElement+c.Count > sb.ArraySize || c.DstArrayElement+c.Count > db.ArraySize {
			return cerrors.New("copy exceeds a binding's array size")
		}
		copyElements(c.SrcSet, sb, c.SrcArrayElement, c.DstSet, db, c.DstArrayElement, c.Count)
	}

	return nil
}
