package descriptor

import (
	"github.com/vkngwrapper/core/v2/common"
)

// DescriptorType identifies what kind of resource a binding's descriptors
// reference. The numbering is local to this package; callers translate from
// their API's vocabulary at the boundary.
type DescriptorType int32

const (
	TypeSampler DescriptorType = iota
	TypeCombinedImageSampler
	TypeSampledImage
	TypeStorageImage
	TypeUniformTexelBuffer
	TypeStorageTexelBuffer
	TypeUniformBuffer
	TypeStorageBuffer
	TypeUniformBufferDynamic
	TypeStorageBufferDynamic
	TypeInputAttachment
	TypeInlineUniformBlock
	TypeAccelerationStructure
	// TypeMutable bindings resolve to one of a declared list of concrete
	// types at write time
	TypeMutable
)

var descriptorTypeMapping = make(map[DescriptorType]string)

func (t DescriptorType) String() string {
	return descriptorTypeMapping[t]
}

func init() {
	descriptorTypeMapping[TypeSampler] = "TypeSampler"
	descriptorTypeMapping[TypeCombinedImageSampler] = "TypeCombinedImageSampler"
	descriptorTypeMapping[TypeSampledImage] = "TypeSampledImage"
	descriptorTypeMapping[TypeStorageImage] = "TypeStorageImage"
	descriptorTypeMapping[TypeUniformTexelBuffer] = "TypeUniformTexelBuffer"
	descriptorTypeMapping[TypeStorageTexelBuffer] = "TypeStorageTexelBuffer"
	descriptorTypeMapping[TypeUniformBuffer] = "TypeUniformBuffer"
	descriptorTypeMapping[TypeStorageBuffer] = "TypeStorageBuffer"
	descriptorTypeMapping[TypeUniformBufferDynamic] = "TypeUniformBufferDynamic"
	descriptorTypeMapping[TypeStorageBufferDynamic] = "TypeStorageBufferDynamic"
	descriptorTypeMapping[TypeInputAttachment] = "TypeInputAttachment"
	descriptorTypeMapping[TypeInlineUniformBlock] = "TypeInlineUniformBlock"
	descriptorTypeMapping[TypeAccelerationStructure] = "TypeAccelerationStructure"
	descriptorTypeMapping[TypeMutable] = "TypeMutable"
}

func (t DescriptorType) isDynamic() bool {
	return t == TypeUniformBufferDynamic || t == TypeStorageBufferDynamic
}

// mutableCandidateTypes is the set of concrete types a mutable binding with no
// explicit allow-list may resolve to
var mutableCandidateTypes = []DescriptorType{
	TypeSampler,
	TypeCombinedImageSampler,
	TypeSampledImage,
	TypeStorageImage,
	TypeUniformTexelBuffer,
	TypeStorageTexelBuffer,
	TypeUniformBuffer,
	TypeStorageBuffer,
	TypeAccelerationStructure,
}

type BindingFlags int32

var bindingFlagsMapping = common.NewFlagStringMapping[BindingFlags]()

func (f BindingFlags) Register(str string) {
	bindingFlagsMapping.Register(f, str)
}
func (f BindingFlags) String() string {
	return bindingFlagsMapping.FlagsToString(f)
}

const (
	// BindingUpdateAfterBind permits descriptor writes after the set has been
	// bound to a command stream
	BindingUpdateAfterBind BindingFlags = 1 << iota
	// BindingUpdateUnusedWhilePending permits writes to descriptors not used
	// by pending work
	BindingUpdateUnusedWhilePending
	// BindingPartiallyBound permits leaving descriptors unwritten as long as
	// shaders never read them
	BindingPartiallyBound
	// BindingVariableDescriptorCount marks the final binding's element count
	// as supplied at allocation time rather than layout-build time
	BindingVariableDescriptorCount
)

func init() {
	BindingUpdateAfterBind.Register("BindingUpdateAfterBind")
	BindingUpdateUnusedWhilePending.Register("BindingUpdateUnusedWhilePending")
	BindingPartiallyBound.Register("BindingPartiallyBound")
	BindingVariableDescriptorCount.Register("BindingVariableDescriptorCount")
}

type SetLayoutCreateFlags int32

var setLayoutCreateFlagsMapping = common.NewFlagStringMapping[SetLayoutCreateFlags]()

func (f SetLayoutCreateFlags) Register(str string) {
	setLayoutCreateFlagsMapping.Register(f, str)
}
func (f SetLayoutCreateFlags) String() string {
	return setLayoutCreateFlagsMapping.FlagsToString(f)
}

const (
	// SetLayoutCreatePushDescriptor marks a layout whose sets are pushed
	// through the command stream instead of allocated from pools
	SetLayoutCreatePushDescriptor SetLayoutCreateFlags = 1 << iota
	// SetLayoutCreateDescriptorBuffer marks a layout whose sets live in a
	// flat GPU-addressable buffer
	SetLayoutCreateDescriptorBuffer
	// SetLayoutCreateEmbeddedImmutableSamplers marks a layout whose samplers
	// are baked into the shader binary and consume no descriptor memory
	SetLayoutCreateEmbeddedImmutableSamplers
)

func init() {
	SetLayoutCreatePushDescriptor.Register("SetLayoutCreatePushDescriptor")
	SetLayoutCreateDescriptorBuffer.Register("SetLayoutCreateDescriptorBuffer")
	SetLayoutCreateEmbeddedImmutableSamplers.Register("SetLayoutCreateEmbeddedImmutableSamplers")
}

type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateHostOnly backs the pool with host memory only. Sets from a
	// host-only pool can be written and copied but never read by the GPU.
	PoolCreateHostOnly PoolCreateFlags = 1 << iota
)

func init() {
	PoolCreateHostOnly.Register("PoolCreateHostOnly")
}

type ShaderStageFlags int32

var shaderStageFlagsMapping = common.NewFlagStringMapping[ShaderStageFlags]()

func (f ShaderStageFlags) Register(str string) {
	shaderStageFlagsMapping.Register(f, str)
}
func (f ShaderStageFlags) String() string {
	return shaderStageFlagsMapping.FlagsToString(f)
}

const (
	StageVertex ShaderStageFlags = 1 << iota
	StageTessellationControl
	StageTessellationEvaluation
	StageGeometry
	StageFragment
	StageCompute
	StageTask
	StageMesh

	StageAll = StageVertex | StageTessellationControl | StageTessellationEvaluation |
		StageGeometry | StageFragment | StageCompute | StageTask | StageMesh
)

const shaderStageCount = 8

func init() {
	StageVertex.Register("StageVertex")
	StageTessellationControl.Register("StageTessellationControl")
	StageTessellationEvaluation.Register("StageTessellationEvaluation")
	StageGeometry.Register("StageGeometry")
	StageFragment.Register("StageFragment")
	StageCompute.Register("StageCompute")
	StageTask.Register("StageTask")
	StageMesh.Register("StageMesh")
}

// LayoutType selects how a set layout's descriptors are physically
// represented, fixed at layout creation time.
type LayoutType int32

const (
	// LayoutTypeUnknown is only valid on a PipelineSetsLayout that has no
	// set layouts added yet
	LayoutTypeUnknown LayoutType = iota
	// LayoutTypeIndirect stores opaque handles the device resolves through a
	// further indirection
	LayoutTypeIndirect
	// LayoutTypeDirect stores hardware surface/sampler state inline,
	// addressable through binding-table indices
	LayoutTypeDirect
	// LayoutTypeBuffer lays the whole set out as a flat GPU-addressable
	// buffer
	LayoutTypeBuffer
)

var layoutTypeMapping = make(map[LayoutType]string)

func (t LayoutType) String() string {
	return layoutTypeMapping[t]
}

func init() {
	layoutTypeMapping[LayoutTypeUnknown] = "LayoutTypeUnknown"
	layoutTypeMapping[LayoutTypeIndirect] = "LayoutTypeIndirect"
	layoutTypeMapping[LayoutTypeDirect] = "LayoutTypeDirect"
	layoutTypeMapping[LayoutTypeBuffer] = "LayoutTypeBuffer"
}

func layoutTypeForFlags(dev *DeviceInfo, flags SetLayoutCreateFlags) LayoutType {
	if flags&SetLayoutCreateDescriptorBuffer != 0 {
		return LayoutTypeBuffer
	}
	if dev.IndirectDescriptors {
		return LayoutTypeIndirect
	}
	return LayoutTypeDirect
}
