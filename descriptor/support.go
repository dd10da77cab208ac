package descriptor

// SetLayoutSupport reports whether a layout can be created and how many
// variable descriptors its final binding could carry.
type SetLayoutSupport struct {
	Supported bool
	// MaxVariableDescriptorCount is only meaningful when the final binding
	// has BindingVariableDescriptorCount
	MaxVariableDescriptorCount int
}

// bindlessOnly reports whether the binding never consumes binding table
// slots at draw time, so its size is not limited by the binding table.
func bindlessOnly(layoutType LayoutType, data DataKind) bool {
	if layoutType == LayoutTypeIndirect {
		return data&(DataSampledImageHandle|DataStorageImageHandle) != 0
	}
	// Direct and flat layouts always reference descriptors bindlessly
	return true
}

// CheckSetLayoutSupport reports whether a prospective layout fits the
// device's per-stage binding table limits, without building the layout.
func CheckSetLayoutSupport(dev *DeviceInfo, info SetLayoutCreateInfo) SetLayoutSupport {
	layoutType := layoutTypeForFlags(dev, info.Flags)
	tableSize := dev.MaxBindingTableSize - dev.ReservedRenderTargets

	var stageSurfaces [shaderStageCount]int
	varCap := -1

	for i := range info.Bindings {
		b := &info.Bindings[i]
		data := dataKindForBinding(dev, layoutType, info.Flags, b)

		count := b.DescriptorCount
		if b.Flags&BindingVariableDescriptorCount != 0 {
			count = 0
		}

		if data&DataBTISurface != 0 && !bindlessOnly(layoutType, data) {
			for stage := 0; stage < shaderStageCount; stage++ {
				if b.Stages&(ShaderStageFlags(1)<<stage) != 0 {
					stageSurfaces[stage] += count
				}
			}
		}

		if b.Flags&BindingVariableDescriptorCount != 0 {
			switch {
			case b.Type == TypeInlineUniformBlock:
				varCap = MaxInlineUniformBlockSize
			case bindlessOnly(layoutType, data):
				varCap = 1 << 20
			default:
				varCap = tableSize
			}
		}
	}

	support := SetLayoutSupport{Supported: true}
	worst := 0
	for stage := 0; stage < shaderStageCount; stage++ {
		if stageSurfaces[stage] > tableSize {
			support.Supported = false
		}
		if stageSurfaces[stage] > worst {
			worst = stageSurfaces[stage]
		}
	}

	if varCap >= 0 {
		if varCap == tableSize {
			varCap = tableSize - worst
		}
		support.MaxVariableDescriptorCount = varCap
	}

	return support
}
