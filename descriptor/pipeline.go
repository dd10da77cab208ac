package descriptor

import (
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

// PipelineSetsLayout aggregates the set layouts a pipeline binds, assigning
// each set's dynamic buffers a contiguous range of the pipeline's dynamic
// offset slots.
type PipelineSetsLayout struct {
	dev *DeviceInfo

	layoutType LayoutType
	// independentSets permits gaps so separately compiled libraries can
	// share the layout
	independentSets bool

	numSets    int
	setLayouts [MaxSets]*SetLayout

	dynamicOffsetStart [MaxSets]int
	numDynamicBuffers  int

	pushDescriptorSetIndex int
}

// Init prepares an empty aggregate. Call Finish when done with it.
func (p *PipelineSetsLayout) Init(dev *DeviceInfo, independentSets bool) {
	*p = PipelineSetsLayout{
		dev:                    dev,
		independentSets:        independentSets,
		layoutType:             LayoutTypeUnknown,
		pushDescriptorSetIndex: -1,
	}
}

// Add registers a set layout at a set index, taking a reference on it. A nil
// layout, a repeat of an index, or an empty layout under independent sets is
// ignored.
func (p *PipelineSetsLayout) Add(setIndex int, layout *SetLayout) error {
	if setIndex < 0 || setIndex >= MaxSets {
		return cerrors.Errorf("set index %d is out of range", setIndex)
	}
	if layout == nil || p.setLayouts[setIndex] != nil {
		return nil
	}
	if p.independentSets && layout.Empty() {
		return nil
	}

	if p.layoutType == LayoutTypeUnknown {
		p.layoutType = layout.layoutType
	} else if p.layoutType != layout.layoutType {
		return cerrors.Errorf("cannot mix %s and %s set layouts in one pipeline",
			p.layoutType, layout.layoutType)
	}

	if layout.flags&SetLayoutCreatePushDescriptor != 0 {
		if p.pushDescriptorSetIndex >= 0 {
			return cerrors.New("a pipeline can bind at most one push descriptor set")
		}
		p.pushDescriptorSetIndex = setIndex
	}

	p.setLayouts[setIndex] = layout.Ref()
	if setIndex+1 > p.numSets {
		p.numSets = setIndex + 1
	}

	p.dynamicOffsetStart[setIndex] = p.numDynamicBuffers
	p.numDynamicBuffers += layout.DynamicOffsetCount()
	if p.numDynamicBuffers > MaxDynamicBuffers {
		return cerrors.Errorf("pipeline needs %d dynamic buffers, at most %d are supported",
			p.numDynamicBuffers, MaxDynamicBuffers)
	}

	return nil
}

func (p *PipelineSetsLayout) Type() LayoutType { return p.layoutType }
func (p *PipelineSetsLayout) SetCount() int    { return p.numSets }

// SetLayoutAt returns the layout bound at a set index, nil for gaps.
func (p *PipelineSetsLayout) SetLayoutAt(setIndex int) *SetLayout {
	return p.setLayouts[setIndex]
}

// DynamicOffsetStart returns where a set's dynamic buffers begin in the
// pipeline's dynamic offset array.
func (p *PipelineSetsLayout) DynamicOffsetStart(setIndex int) int {
	return p.dynamicOffsetStart[setIndex]
}

func (p *PipelineSetsLayout) DynamicBufferCount() int { return p.numDynamicBuffers }

// EmbeddedSamplerCount sums the embedded immutable samplers across all sets.
func (p *PipelineSetsLayout) EmbeddedSamplerCount() int {
	count := 0
	for i := 0; i < p.numSets; i++ {
		if p.setLayouts[i] != nil {
			count += p.setLayouts[i].EmbeddedSamplerCount()
		}
	}
	return count
}

// PushDescriptorSetIndex returns the index of the push descriptor set, or
// -1 when none is bound.
func (p *PipelineSetsLayout) PushDescriptorSetIndex() int {
	return p.pushDescriptorSetIndex
}

// Hash returns a digest identifying the aggregate: its sets' hashes plus
// their dynamic offset assignment.
func (p *PipelineSetsLayout) Hash() [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}

	var scratch [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(v))
		_, _ = h.Write(scratch[:])
	}

	writeInt(int(p.layoutType))
	writeInt(p.numSets)
	for i := 0; i < p.numSets; i++ {
		if p.setLayouts[i] == nil {
			writeInt(-1)
			continue
		}
		setHash := p.setLayouts[i].Hash()
		_, _ = h.Write(setHash[:])
		writeInt(p.dynamicOffsetStart[i])
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// Finish drops the references Add took.
func (p *PipelineSetsLayout) Finish() {
	for i := 0; i < p.numSets; i++ {
		if p.setLayouts[i] != nil {
			p.setLayouts[i].Unref()
			p.setLayouts[i] = nil
		}
	}
	p.numSets = 0
}
