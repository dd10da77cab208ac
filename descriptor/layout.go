package descriptor

import (
	"encoding/binary"
	"sort"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/gpukit/descbind/memheap"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/crypto/blake2b"
)

// SetLayoutBinding describes one binding of a set layout being built.
type SetLayoutBinding struct {
	// Binding is the binding number. Numbers may be sparse.
	Binding int
	Type    DescriptorType
	// DescriptorCount is the array size, or the byte size for inline uniform
	// blocks
	DescriptorCount int
	Flags           BindingFlags
	Stages          ShaderStageFlags
	// ImmutableSamplers, when non-nil, has one entry per array element and
	// permanently binds those samplers into every set using this layout
	ImmutableSamplers []*Sampler
	// MutableTypes lists the types a TypeMutable binding may resolve to. An
	// empty list means every candidate type.
	MutableTypes []DescriptorType
}

type SetLayoutCreateInfo struct {
	Flags    SetLayoutCreateFlags
	Bindings []SetLayoutBinding
}

// BindingLayout is the resolved, immutable placement of one binding within
// its set layout.
type BindingLayout struct {
	Type   DescriptorType
	Flags  BindingFlags
	Stages ShaderStageFlags
	Data   DataKind

	MaxPlaneCount int
	// ArraySize is the element count, or the byte size for inline uniform
	// blocks
	ArraySize int

	// DescriptorIndex is this binding's first slot in the set's flat
	// descriptor array
	DescriptorIndex int
	// DynamicOffsetIndex is this binding's first dynamic offset slot, or -1
	DynamicOffsetIndex int
	// BufferViewIndex is this binding's first buffer view slot, or -1
	BufferViewIndex int

	DescriptorSurfaceOffset int
	DescriptorSurfaceStride int
	DescriptorSamplerOffset int
	DescriptorSamplerStride int

	ImmutableSamplers []*Sampler

	MutableTypes []DescriptorType
}

// SetLayout is an immutable, reference-counted description of where every
// binding's descriptors live. Sets, pools, push sets and pipeline layouts
// all hold references.
type SetLayout struct {
	refCount atomic.Int64

	dev        *DeviceInfo
	layoutType LayoutType
	flags      SetLayoutCreateFlags

	// bindings is indexed by binding number, with gaps for sparse layouts
	bindings []BindingLayout
	// present marks which binding numbers exist
	present []bool

	descriptorCount      int
	bufferViewCount      int
	dynamicOffsetCount   int
	embeddedSamplerCount int
	shaderStages         ShaderStageFlags

	descriptorSurfaceSize int
	descriptorSamplerSize int

	// varDescBinding is the binding number carrying
	// BindingVariableDescriptorCount, or -1
	varDescBinding int

	hash [32]byte
}

// NewSetLayout resolves a creation request into an immutable layout. The
// returned layout starts with one reference held by the caller.
func NewSetLayout(dev *DeviceInfo, info SetLayoutCreateInfo) (*SetLayout, error) {
	layoutType := layoutTypeForFlags(dev, info.Flags)

	if info.Flags&SetLayoutCreatePushDescriptor != 0 {
		for i := range info.Bindings {
			f := info.Bindings[i].Flags
			if f&(BindingUpdateAfterBind|BindingUpdateUnusedWhilePending|BindingVariableDescriptorCount) != 0 {
				return nil, cerrors.Errorf("push descriptor layouts cannot use binding flags %s", f)
			}
		}
	}

	maxBinding := -1
	seen := make(map[int]struct{}, len(info.Bindings))
	for i := range info.Bindings {
		b := &info.Bindings[i]
		if b.Binding < 0 {
			return nil, cerrors.Errorf("binding number %d is negative", b.Binding)
		}
		if _, ok := seen[b.Binding]; ok {
			return nil, cerrors.Errorf("binding number %d appears more than once", b.Binding)
		}
		seen[b.Binding] = struct{}{}
		if b.Type == TypeInlineUniformBlock && b.DescriptorCount > MaxInlineUniformBlockSize {
			return nil, cerrors.Errorf("inline uniform block of %d bytes exceeds the %d byte limit",
				b.DescriptorCount, MaxInlineUniformBlockSize)
		}
		if b.Binding > maxBinding {
			maxBinding = b.Binding
		}
	}

	ordered := make([]SetLayoutBinding, len(info.Bindings))
	copy(ordered, info.Bindings)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Binding < ordered[j].Binding
	})

	layout := &SetLayout{
		dev:            dev,
		layoutType:     layoutType,
		flags:          info.Flags,
		bindings:       make([]BindingLayout, maxBinding+1),
		present:        make([]bool, maxBinding+1),
		varDescBinding: -1,
	}
	layout.refCount.Store(1)

	for i := range ordered {
		src := &ordered[i]
		b := &layout.bindings[src.Binding]
		layout.present[src.Binding] = true

		b.Type = src.Type
		b.Flags = src.Flags
		b.Stages = src.Stages
		b.ArraySize = src.DescriptorCount
		b.DynamicOffsetIndex = -1
		b.BufferViewIndex = -1
		if src.Type == TypeMutable {
			b.MutableTypes = append([]DescriptorType(nil), src.MutableTypes...)
		}

		if src.Flags&BindingVariableDescriptorCount != 0 {
			if i != len(ordered)-1 {
				return nil, cerrors.Errorf("binding %d has a variable descriptor count but is not the highest binding", src.Binding)
			}
			layout.varDescBinding = src.Binding
		}

		b.Data = dataKindForBinding(dev, layoutType, info.Flags, src)

		b.MaxPlaneCount = 1
		if src.ImmutableSamplers != nil {
			if src.Type != TypeSampler && src.Type != TypeCombinedImageSampler {
				return nil, cerrors.Errorf("binding %d of type %s cannot carry immutable samplers", src.Binding, src.Type)
			}
			b.ImmutableSamplers = append([]*Sampler(nil), src.ImmutableSamplers...)
			for _, s := range src.ImmutableSamplers {
				if src.Type == TypeCombinedImageSampler && s.PlaneCount > b.MaxPlaneCount {
					b.MaxPlaneCount = s.PlaneCount
				}
			}
		}

		if info.Flags&SetLayoutCreateEmbeddedImmutableSamplers != 0 {
			if src.Type != TypeSampler || src.ImmutableSamplers == nil {
				return nil, cerrors.Errorf("embedded sampler layouts only allow immutable sampler bindings, binding %d is %s", src.Binding, src.Type)
			}
			layout.embeddedSamplerCount += src.DescriptorCount
		}

		layout.shaderStages |= src.Stages

		b.DescriptorIndex = layout.descriptorCount
		if src.Type == TypeInlineUniformBlock {
			// One CPU-side descriptor record regardless of byte size
			layout.descriptorCount++
		} else {
			layout.descriptorCount += src.DescriptorCount
		}

		if src.Type.isDynamic() {
			b.DynamicOffsetIndex = layout.dynamicOffsetCount
			layout.dynamicOffsetCount += src.DescriptorCount
		}
		if b.Data&DataBufferView != 0 {
			b.BufferViewIndex = layout.bufferViewCount
			layout.bufferViewCount += src.DescriptorCount
		}

		layout.placeBinding(b)
	}

	layout.hash = layout.computeHash()

	return layout, nil
}

// placeBinding assigns the binding's surface and sampler region placement
// and grows the running region sizes.
func (l *SetLayout) placeBinding(b *BindingLayout) {
	surfSize := surfaceSizeForKind(l.dev, b.Data)
	sampSize := samplerSizeForKind(l.dev, b.Data)
	surfAlign := surfaceAlignForKind(l.dev, b.Data)

	if b.Type == TypeInlineUniformBlock {
		b.DescriptorSurfaceOffset = memheap.AlignUp(l.descriptorSurfaceSize, l.dev.UniformBufferAlignment)
		b.DescriptorSurfaceStride = 1
		l.descriptorSurfaceSize = b.DescriptorSurfaceOffset + b.ArraySize
		return
	}

	if l.layoutType == LayoutTypeBuffer && sampSize > 0 {
		// Flat layouts have no sampler region; sampler state lives inline
		surfSize += sampSize
		sampSize = 0
		if surfAlign < l.dev.SamplerStateAlignment {
			surfAlign = l.dev.SamplerStateAlignment
		}
	}

	if surfSize > 0 {
		b.DescriptorSurfaceStride = surfSize * b.MaxPlaneCount
		b.DescriptorSurfaceOffset = memheap.AlignUp(l.descriptorSurfaceSize, surfAlign)
		l.descriptorSurfaceSize = b.DescriptorSurfaceOffset + b.DescriptorSurfaceStride*b.ArraySize
	}

	if sampSize > 0 {
		b.DescriptorSamplerStride = sampSize * b.MaxPlaneCount
		b.DescriptorSamplerOffset = memheap.AlignUp(l.descriptorSamplerSize, l.dev.SamplerStateAlignment)
		l.descriptorSamplerSize = b.DescriptorSamplerOffset + b.DescriptorSamplerStride*b.ArraySize
	}
}

func (l *SetLayout) computeHash() [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}

	var scratch [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(v))
		_, _ = h.Write(scratch[:])
	}

	writeInt(int(l.flags))
	writeInt(int(l.layoutType))
	writeInt(len(l.bindings))
	writeInt(l.descriptorCount)
	writeInt(l.bufferViewCount)
	writeInt(l.dynamicOffsetCount)
	writeInt(l.descriptorSurfaceSize)
	writeInt(l.descriptorSamplerSize)

	for i := range l.bindings {
		if !l.present[i] {
			continue
		}
		b := &l.bindings[i]
		writeInt(i)
		writeInt(int(b.Type))
		writeInt(int(b.Flags))
		writeInt(int(b.Data))
		writeInt(b.MaxPlaneCount)
		writeInt(b.ArraySize)
		writeInt(b.DescriptorIndex)
		writeInt(b.DynamicOffsetIndex)
		writeInt(b.BufferViewIndex)
		writeInt(b.DescriptorSurfaceOffset)
		writeInt(b.DescriptorSamplerOffset)

		for _, s := range b.ImmutableSamplers {
			if l.flags&SetLayoutCreateEmbeddedImmutableSamplers != 0 {
				writeInt(int(s.EmbeddedKey))
			}
			if s.Conversion != nil {
				c := s.Conversion
				writeInt(int(c.Format))
				writeInt(int(c.Model))
				writeInt(int(c.Range))
				writeInt(int(c.ChromaX))
				writeInt(int(c.ChromaY))
				for _, comp := range c.Components {
					writeInt(int(comp))
				}
			}
		}
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// Ref takes an additional reference on the layout.
func (l *SetLayout) Ref() *SetLayout {
	l.refCount.Add(1)
	return l
}

// Unref drops one reference. The layout holds no device resources, so the
// last Unref simply lets it be collected.
func (l *SetLayout) Unref() {
	if l.refCount.Add(-1) < 0 {
		panic("set layout reference count went negative")
	}
}

func (l *SetLayout) Device() *DeviceInfo            { return l.dev }
func (l *SetLayout) Type() LayoutType               { return l.layoutType }
func (l *SetLayout) Flags() SetLayoutCreateFlags    { return l.flags }
func (l *SetLayout) Hash() [32]byte                 { return l.hash }
func (l *SetLayout) ShaderStages() ShaderStageFlags { return l.shaderStages }

func (l *SetLayout) BindingCount() int { return len(l.bindings) }

// Binding returns the resolved layout for a binding number, or nil for a
// number absent from a sparse layout.
func (l *SetLayout) Binding(binding int) *BindingLayout {
	if binding < 0 || binding >= len(l.bindings) || !l.present[binding] {
		return nil
	}
	return &l.bindings[binding]
}

func (l *SetLayout) DescriptorCount() int      { return l.descriptorCount }
func (l *SetLayout) BufferViewCount() int      { return l.bufferViewCount }
func (l *SetLayout) DynamicOffsetCount() int   { return l.dynamicOffsetCount }
func (l *SetLayout) EmbeddedSamplerCount() int { return l.embeddedSamplerCount }

func (l *SetLayout) DescriptorSurfaceSize() int { return l.descriptorSurfaceSize }
func (l *SetLayout) DescriptorSamplerSize() int { return l.descriptorSamplerSize }

// Empty reports whether sets of this layout need no memory at all.
func (l *SetLayout) Empty() bool {
	return l.descriptorCount == 0 &&
		l.descriptorSurfaceSize == 0 &&
		l.descriptorSamplerSize == 0 &&
		l.dynamicOffsetCount == 0
}

func (l *SetLayout) variableBinding() *BindingLayout {
	if l.varDescBinding < 0 {
		return nil
	}
	return &l.bindings[l.varDescBinding]
}

// DescriptorCountWithVariable returns the descriptor slot count for a set
// allocated with the given variable descriptor count.
func (l *SetLayout) DescriptorCountWithVariable(varCount int) int {
	b := l.variableBinding()
	if b == nil {
		return l.descriptorCount
	}
	if b.Type == TypeInlineUniformBlock {
		return l.descriptorCount
	}
	return l.descriptorCount - b.ArraySize + varCount
}

// BufferViewCountWithVariable returns the buffer view count for a set
// allocated with the given variable descriptor count.
func (l *SetLayout) BufferViewCountWithVariable(varCount int) int {
	b := l.variableBinding()
	if b == nil || b.Data&DataBufferView == 0 {
		return l.bufferViewCount
	}
	return l.bufferViewCount - b.ArraySize + varCount
}

// DescriptorSurfaceSizeWithVariable returns the surface region size for a
// set allocated with the given variable descriptor count. Constant time: the
// variable binding is always placed last, so only its tail shrinks or grows.
func (l *SetLayout) DescriptorSurfaceSizeWithVariable(varCount int) int {
	b := l.variableBinding()
	if b == nil {
		return l.descriptorSurfaceSize
	}
	if b.Type == TypeInlineUniformBlock {
		return l.descriptorSurfaceSize - b.ArraySize + varCount
	}
	return l.descriptorSurfaceSize - b.DescriptorSurfaceStride*b.ArraySize +
		b.DescriptorSurfaceStride*varCount
}

// DescriptorSamplerSizeWithVariable is the sampler region analogue of
// DescriptorSurfaceSizeWithVariable.
func (l *SetLayout) DescriptorSamplerSizeWithVariable(varCount int) int {
	b := l.variableBinding()
	if b == nil || b.DescriptorSamplerStride == 0 {
		return l.descriptorSamplerSize
	}
	return l.descriptorSamplerSize - b.DescriptorSamplerStride*b.ArraySize +
		b.DescriptorSamplerStride*varCount
}

// PrintLayout writes a human-readable JSON description of the layout.
func (l *SetLayout) PrintLayout(obj jwriter.ObjectState) {
	obj.Name("Type").String(l.layoutType.String())
	obj.Name("Flags").String(l.flags.String())
	obj.Name("DescriptorCount").Int(l.descriptorCount)
	obj.Name("BufferViewCount").Int(l.bufferViewCount)
	obj.Name("DynamicOffsetCount").Int(l.dynamicOffsetCount)
	obj.Name("SurfaceSize").Int(l.descriptorSurfaceSize)
	obj.Name("SamplerSize").Int(l.descriptorSamplerSize)

	bindings := obj.Name("Bindings").Array()
	for i := range l.bindings {
		if !l.present[i] {
			continue
		}
		b := &l.bindings[i]
		bObj := bindings.Object()
		bObj.Name("Binding").Int(i)
		bObj.Name("Type").String(b.Type.String())
		bObj.Name("Data").String(b.Data.String())
		bObj.Name("ArraySize").Int(b.ArraySize)
		bObj.Name("SurfaceOffset").Int(b.DescriptorSurfaceOffset)
		bObj.Name("SurfaceStride").Int(b.DescriptorSurfaceStride)
		bObj.Name("SamplerOffset").Int(b.DescriptorSamplerOffset)
		bObj.Name("SamplerStride").Int(b.DescriptorSamplerStride)
		bObj.End()
	}
	bindings.End()
}
