package descriptor

import (
	"github.com/gpukit/descbind/memheap"
	"github.com/vkngwrapper/core/v2/common"
)

// DataKind is a bitmask of the physical representations a binding's
// descriptors need. The classifier maps (layout type, descriptor type,
// flags) to a DataKind, and everything downstream - sizes, strides, pool
// accounting - derives from it.
type DataKind int32

var dataKindMapping = common.NewFlagStringMapping[DataKind]()

func (k DataKind) Register(str string) {
	dataKindMapping.Register(k, str)
}
func (k DataKind) String() string {
	return dataKindMapping.FlagsToString(k)
}

const (
	// DataSurface stores a hardware surface state inline in the descriptor
	DataSurface DataKind = 1 << iota
	// DataSampler stores a hardware sampler state inline
	DataSampler
	// DataSurfaceSampler stores surface and sampler state interleaved, one
	// pair per plane, for flat-buffer layouts
	DataSurfaceSampler
	// DataBufferView stores a per-element buffer surface state materialized
	// by the set
	DataBufferView
	// DataInlineUniform stores raw uniform bytes inline
	DataInlineUniform
	// DataAddressRange stores a GPU address and range pair
	DataAddressRange
	// DataSampledImageHandle stores a device-resolvable sampled image handle
	DataSampledImageHandle
	// DataStorageImageHandle stores a device-resolvable storage image handle
	DataStorageImageHandle
	// DataBTISurface means the binding consumes binding-table surface slots
	DataBTISurface
	// DataBTISampler means the binding consumes binding-table sampler slots
	DataBTISampler
)

func init() {
	DataSurface.Register("DataSurface")
	DataSampler.Register("DataSampler")
	DataSurfaceSampler.Register("DataSurfaceSampler")
	DataBufferView.Register("DataBufferView")
	DataInlineUniform.Register("DataInlineUniform")
	DataAddressRange.Register("DataAddressRange")
	DataSampledImageHandle.Register("DataSampledImageHandle")
	DataStorageImageHandle.Register("DataStorageImageHandle")
	DataBTISurface.Register("DataBTISurface")
	DataBTISampler.Register("DataBTISampler")
}

const (
	sampledImageDescriptorSize = 8
	storageImageDescriptorSize = 8
	addressRangeDescriptorSize = 16
)

func indirectDataKind(descType DescriptorType) DataKind {
	var data DataKind

	switch descType {
	case TypeSampler:
		data = DataBTISampler | DataSampledImageHandle
	case TypeCombinedImageSampler:
		data = DataBTISurface | DataBTISampler | DataSampledImageHandle
	case TypeSampledImage, TypeUniformTexelBuffer, TypeInputAttachment:
		data = DataBTISurface | DataSampledImageHandle
	case TypeStorageImage, TypeStorageTexelBuffer:
		data = DataBTISurface | DataStorageImageHandle
	case TypeUniformBuffer, TypeStorageBuffer:
		data = DataBTISurface | DataBufferView
	case TypeUniformBufferDynamic, TypeStorageBufferDynamic:
		data = DataBTISurface
	case TypeInlineUniformBlock:
		data = DataInlineUniform
	case TypeAccelerationStructure:
		data = DataAddressRange
	}

	// Buffers are also reachable through their raw address on this path
	switch descType {
	case TypeUniformBuffer, TypeStorageBuffer,
		TypeUniformBufferDynamic, TypeStorageBufferDynamic:
		data |= DataAddressRange
	}

	return data
}

func directDataKind(layoutType LayoutType, descType DescriptorType) DataKind {
	var data DataKind

	switch descType {
	case TypeSampler:
		data = DataBTISampler | DataSampler
	case TypeCombinedImageSampler:
		if layoutType == LayoutTypeBuffer {
			data = DataBTISurface | DataBTISampler | DataSurfaceSampler
		} else {
			data = DataBTISurface | DataBTISampler | DataSurface | DataSampler
		}
	case TypeSampledImage, TypeStorageImage,
		TypeUniformTexelBuffer, TypeStorageTexelBuffer,
		TypeInputAttachment,
		TypeUniformBuffer, TypeStorageBuffer,
		TypeUniformBufferDynamic, TypeStorageBufferDynamic:
		data = DataBTISurface | DataSurface
	case TypeInlineUniformBlock:
		data = DataInlineUniform
	case TypeAccelerationStructure:
		data = DataAddressRange
	}

	return data
}

// dataKindForType classifies one descriptor type under a layout type. For
// flat-buffer layouts the binding-table kinds are stripped, except on push
// descriptor layouts for devices whose direct descriptors still go through
// binding tables.
func dataKindForType(dev *DeviceInfo, layoutType LayoutType, layoutFlags SetLayoutCreateFlags, descType DescriptorType) DataKind {
	// Embedded samplers are baked into the pipeline and occupy no set memory
	if descType == TypeSampler && layoutFlags&SetLayoutCreateEmbeddedImmutableSamplers != 0 {
		return 0
	}

	var data DataKind
	if layoutType == LayoutTypeIndirect {
		data = indirectDataKind(descType)
	} else {
		data = directDataKind(layoutType, descType)
	}

	if layoutType == LayoutTypeBuffer {
		keepBTI := layoutFlags&SetLayoutCreatePushDescriptor != 0 &&
			!dev.UsesExtendedBindlessOffset
		if !keepBTI {
			data &^= DataBTISurface | DataBTISampler
		}
	}

	return data
}

// dataKindForBinding resolves a binding's DataKind, folding mutable bindings
// into the union of their candidate types.
func dataKindForBinding(dev *DeviceInfo, layoutType LayoutType, layoutFlags SetLayoutCreateFlags, binding *SetLayoutBinding) DataKind {
	if binding.Type != TypeMutable {
		return dataKindForType(dev, layoutType, layoutFlags, binding.Type)
	}

	candidates := binding.MutableTypes
	if len(candidates) == 0 {
		candidates = mutableCandidateTypes
	}

	var data DataKind
	for _, t := range candidates {
		data |= dataKindForType(dev, layoutType, layoutFlags, t)
	}
	return data
}

// surfaceSizeForKind returns how many bytes one descriptor element of the
// given kind occupies in the set's surface region, per plane where the kind
// is planar.
func surfaceSizeForKind(dev *DeviceInfo, data DataKind) int {
	size := 0

	if data&DataSampledImageHandle != 0 {
		size += sampledImageDescriptorSize
	}
	if data&DataStorageImageHandle != 0 {
		size += storageImageDescriptorSize
	}
	if data&DataAddressRange != 0 {
		size += addressRangeDescriptorSize
	}
	if data&DataSurface != 0 {
		size += memheap.AlignUp(dev.SurfaceStateSize, dev.SurfaceStateAlignment)
	}
	if data&DataSurfaceSampler != 0 {
		pair := memheap.AlignUp(dev.SurfaceStateSize, dev.SurfaceStateAlignment) +
			dev.SamplerStateSize
		size += memheap.AlignUp(pair, dev.SurfaceStateAlignment)
	}

	return size
}

// surfaceAlignForKind returns the surface-region alignment a descriptor of
// the given kind requires.
func surfaceAlignForKind(dev *DeviceInfo, data DataKind) uint {
	var align uint = 1

	if data&(DataSampledImageHandle|DataStorageImageHandle) != 0 && align < 8 {
		align = 8
	}
	if data&DataAddressRange != 0 && align < 8 {
		align = 8
	}
	if data&(DataSurface|DataSurfaceSampler) != 0 && align < dev.SurfaceStateAlignment {
		align = dev.SurfaceStateAlignment
	}
	if data&DataInlineUniform != 0 && align < dev.UniformBufferAlignment {
		align = dev.UniformBufferAlignment
	}

	return align
}

// samplerSizeForKind returns how many bytes one descriptor element occupies
// in the set's sampler region, per plane.
func samplerSizeForKind(dev *DeviceInfo, data DataKind) int {
	if data&DataSampler != 0 {
		return dev.SamplerStateSize
	}
	return 0
}

// surfaceStateHandle encodes a surface region offset the way the hardware
// consumes bindless surface references.
func surfaceStateHandle(dev *DeviceInfo, offset int) uint32 {
	if dev.UsesExtendedBindlessOffset {
		return uint32(offset)
	}
	if offset%64 != 0 {
		panic("bindless surface offset is not 64-byte aligned")
	}
	if offset >= 1<<26 {
		panic("bindless surface offset out of encodable range")
	}
	return uint32(offset) << 6
}
