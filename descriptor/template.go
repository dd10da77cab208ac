package descriptor

import cerrors "github.com/cockroachdb/errors"

// TemplateEntry maps a run of elements in the template data onto a binding.
type TemplateEntry struct {
	Type         DescriptorType
	Binding      int
	ArrayElement int
	// Count is the element count, or the byte count for inline uniform
	// blocks
	Count int
	// Offset is the index of the entry's first element within the matching
	// TemplateData slice, or the byte offset into InlineData
	Offset int
	// Stride is the index distance between consecutive elements, normally 1
	Stride int
}

// Template is a reusable description of a batch of descriptor writes.
// Applying a template with fresh data avoids rebuilding write structures
// for every update.
type Template struct {
	Entries []TemplateEntry
}

// TemplateData carries the payloads a template application reads from.
type TemplateData struct {
	ImageInfos             []ImageInfo
	BufferInfos            []BufferInfo
	TexelBufferViews       []*TexelBufferView
	AccelerationStructures []*AccelerationStructure
	InlineData             []byte
}

func (e *TemplateEntry) stride() int {
	if e.Stride == 0 {
		return 1
	}
	return e.Stride
}

// Apply performs the template's writes against a set.
func (t *Template) Apply(set *Set, data TemplateData) error {
	for i := range t.Entries {
		e := &t.Entries[i]

		if e.Type == TypeInlineUniformBlock {
			if e.Offset+e.Count > len(data.InlineData) {
				return cerrors.Errorf("template entry %d reads past the end of the inline data", i)
			}
			err := set.WriteInlineUniformData(e.Binding, e.ArrayElement, data.InlineData[e.Offset:e.Offset+e.Count])
			if err != nil {
				return err
			}
			continue
		}

		for elem := 0; elem < e.Count; elem++ {
			index := e.Offset + elem*e.stride()
			var err error
			switch e.Type {
			case TypeUniformTexelBuffer, TypeStorageTexelBuffer:
				err = set.WriteTexelBufferView(e.Binding, e.ArrayElement+elem, e.Type, data.TexelBufferViews[index])
			case TypeUniformBuffer, TypeStorageBuffer, TypeUniformBufferDynamic, TypeStorageBufferDynamic:
				info := data.BufferInfos[index]
				err = set.WriteBuffer(e.Binding, e.ArrayElement+elem, e.Type, info.Buffer, info.Offset, info.Range)
			case TypeAccelerationStructure:
				err = set.WriteAccelerationStructure(e.Binding, e.ArrayElement+elem, data.AccelerationStructures[index])
			default:
				info := data.ImageInfos[index]
				err = set.WriteImageView(e.Binding, e.ArrayElement+elem, e.Type, info.View, info.Sampler)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
