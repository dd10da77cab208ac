package descriptor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/descbind/descriptor"
)

func testSampler(planes int) *descriptor.Sampler {
	states := make([][]byte, planes)
	for i := range states {
		states[i] = make([]byte, 32)
		states[i][0] = byte(0x10 + i)
	}
	return &descriptor.Sampler{PlaneCount: planes, States: states}
}

func TestDirectLayoutPlacement(t *testing.T) {
	dev := descriptor.PonteVecchioProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 2, Stages: descriptor.StageFragment},
			{Binding: 1, Type: descriptor.TypeCombinedImageSampler, DescriptorCount: 1, Stages: descriptor.StageFragment,
				ImmutableSamplers: []*descriptor.Sampler{testSampler(1)}},
			{Binding: 2, Type: descriptor.TypeSampledImage, DescriptorCount: 3, Stages: descriptor.StageCompute},
		},
	})
	require.NoError(t, err)
	defer layout.Unref()

	require.Equal(t, descriptor.LayoutTypeDirect, layout.Type())
	require.Equal(t, 6, layout.DescriptorCount())
	require.Equal(t, 0, layout.BufferViewCount())
	require.Equal(t, 0, layout.DynamicOffsetCount())
	require.Equal(t, 384, layout.DescriptorSurfaceSize())
	require.Equal(t, 32, layout.DescriptorSamplerSize())
	require.Equal(t, descriptor.StageFragment|descriptor.StageCompute, layout.ShaderStages())

	b0 := layout.Binding(0)
	require.Equal(t, 0, b0.DescriptorIndex)
	require.Equal(t, 0, b0.DescriptorSurfaceOffset)
	require.Equal(t, 64, b0.DescriptorSurfaceStride)
	require.Equal(t, -1, b0.BufferViewIndex)
	require.Equal(t, -1, b0.DynamicOffsetIndex)

	b1 := layout.Binding(1)
	require.Equal(t, 2, b1.DescriptorIndex)
	require.Equal(t, 128, b1.DescriptorSurfaceOffset)
	require.Equal(t, 0, b1.DescriptorSamplerOffset)
	require.Equal(t, 32, b1.DescriptorSamplerStride)

	b2 := layout.Binding(2)
	require.Equal(t, 3, b2.DescriptorIndex)
	require.Equal(t, 192, b2.DescriptorSurfaceOffset)
}

func TestIndirectLayoutPlacement(t *testing.T) {
	dev := descriptor.SkylakeProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 2, Stages: descriptor.StageVertex},
			{Binding: 1, Type: descriptor.TypeSampledImage, DescriptorCount: 1, Stages: descriptor.StageFragment},
			{Binding: 2, Type: descriptor.TypeUniformBufferDynamic, DescriptorCount: 1, Stages: descriptor.StageVertex},
		},
	})
	require.NoError(t, err)
	defer layout.Unref()

	require.Equal(t, descriptor.LayoutTypeIndirect, layout.Type())
	require.Equal(t, 2, layout.BufferViewCount())
	require.Equal(t, 1, layout.DynamicOffsetCount())
	require.Equal(t, 56, layout.DescriptorSurfaceSize())
	require.Equal(t, 0, layout.DescriptorSamplerSize())

	b0 := layout.Binding(0)
	require.Equal(t, 0, b0.BufferViewIndex)
	require.Equal(t, 16, b0.DescriptorSurfaceStride)

	b1 := layout.Binding(1)
	require.Equal(t, 32, b1.DescriptorSurfaceOffset)
	require.Equal(t, 8, b1.DescriptorSurfaceStride)

	b2 := layout.Binding(2)
	require.Equal(t, 0, b2.DynamicOffsetIndex)
	require.Equal(t, 40, b2.DescriptorSurfaceOffset)
}

func TestSparseBindings(t *testing.T) {
	dev := descriptor.SkylakeProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 5, Type: descriptor.TypeSampledImage, DescriptorCount: 1, Stages: descriptor.StageFragment},
			{Binding: 1, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex},
		},
	})
	require.NoError(t, err)
	defer layout.Unref()

	require.Equal(t, 6, layout.BindingCount())
	require.Nil(t, layout.Binding(0))
	require.Nil(t, layout.Binding(3))
	require.Nil(t, layout.Binding(17))
	require.NotNil(t, layout.Binding(1))
	require.NotNil(t, layout.Binding(5))

	// Lower binding numbers come first regardless of declaration order
	require.Equal(t, 0, layout.Binding(1).DescriptorIndex)
	require.Equal(t, 1, layout.Binding(5).DescriptorIndex)
}

func TestLayoutHashDeterminism(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	info := descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex},
			{Binding: 1, Type: descriptor.TypeSampledImage, DescriptorCount: 4, Stages: descriptor.StageFragment},
		},
	}

	a, err := descriptor.NewSetLayout(dev, info)
	require.NoError(t, err)
	defer a.Unref()

	b, err := descriptor.NewSetLayout(dev, info)
	require.NoError(t, err)
	defer b.Unref()
	require.Equal(t, a.Hash(), b.Hash())

	// Declaration order does not matter
	swapped := descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{info.Bindings[1], info.Bindings[0]},
	}
	c, err := descriptor.NewSetLayout(dev, swapped)
	require.NoError(t, err)
	defer c.Unref()
	require.Equal(t, a.Hash(), c.Hash())

	// Contents do
	info.Bindings[1].DescriptorCount = 5
	d, err := descriptor.NewSetLayout(dev, info)
	require.NoError(t, err)
	defer d.Unref()
	require.NotEqual(t, a.Hash(), d.Hash())
}

func TestLayoutHashCoversSamplerConversion(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	build := func(conversion *descriptor.SamplerConversion) *descriptor.SetLayout {
		sampler := testSampler(1)
		sampler.Conversion = conversion
		layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
			Bindings: []descriptor.SetLayoutBinding{
				{Binding: 0, Type: descriptor.TypeCombinedImageSampler, DescriptorCount: 1, Stages: descriptor.StageFragment,
					ImmutableSamplers: []*descriptor.Sampler{sampler}},
			},
		})
		require.NoError(t, err)
		return layout
	}

	plain := build(nil)
	defer plain.Unref()
	converted := build(&descriptor.SamplerConversion{Format: 7, Model: 2, ChromaX: 1})
	defer converted.Unref()
	require.NotEqual(t, plain.Hash(), converted.Hash())

	other := build(&descriptor.SamplerConversion{Format: 7, Model: 3, ChromaX: 1})
	defer other.Unref()
	require.NotEqual(t, converted.Hash(), other.Hash())
}

func TestVariableDescriptorCount(t *testing.T) {
	dev := descriptor.SkylakeProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex},
			{Binding: 1, Type: descriptor.TypeSampledImage, DescriptorCount: 100, Stages: descriptor.StageFragment,
				Flags: descriptor.BindingVariableDescriptorCount},
		},
	})
	require.NoError(t, err)
	defer layout.Unref()

	require.Equal(t, 101, layout.DescriptorCount())
	require.Equal(t, 816, layout.DescriptorSurfaceSize())

	require.Equal(t, 11, layout.DescriptorCountWithVariable(10))
	require.Equal(t, 96, layout.DescriptorSurfaceSizeWithVariable(10))
	require.Equal(t, 1, layout.BufferViewCountWithVariable(10))
}

func TestVariableCountMustBeLast(t *testing.T) {
	dev := descriptor.SkylakeProfile()

	_, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeSampledImage, DescriptorCount: 4, Stages: descriptor.StageFragment,
				Flags: descriptor.BindingVariableDescriptorCount},
			{Binding: 1, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex},
		},
	})
	require.Error(t, err)
}

func TestInlineUniformBlockPlacement(t *testing.T) {
	dev := descriptor.PonteVecchioProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeInlineUniformBlock, DescriptorCount: 200, Stages: descriptor.StageFragment},
			{Binding: 1, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageFragment},
		},
	})
	require.NoError(t, err)
	defer layout.Unref()

	// One CPU-side descriptor regardless of byte size
	require.Equal(t, 2, layout.DescriptorCount())

	b0 := layout.Binding(0)
	require.Equal(t, 0, b0.DescriptorSurfaceOffset)
	require.Equal(t, 1, b0.DescriptorSurfaceStride)

	// The next binding starts past the block, uniform-aligned
	require.Equal(t, 256, layout.Binding(1).DescriptorSurfaceOffset)
}

func TestInlineUniformBlockSizeLimit(t *testing.T) {
	dev := descriptor.PonteVecchioProfile()

	_, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeInlineUniformBlock,
				DescriptorCount: descriptor.MaxInlineUniformBlockSize + 1, Stages: descriptor.StageFragment},
		},
	})
	require.Error(t, err)
}

func TestPushDescriptorLayoutRejectsBindingFlags(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	_, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Flags: descriptor.SetLayoutCreatePushDescriptor,
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex,
				Flags: descriptor.BindingUpdateAfterBind},
		},
	})
	require.Error(t, err)
}

func TestDuplicateBindingRejected(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	_, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 2, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex},
			{Binding: 2, Type: descriptor.TypeSampledImage, DescriptorCount: 1, Stages: descriptor.StageFragment},
		},
	})
	require.Error(t, err)
}

func TestEmbeddedSamplerLayout(t *testing.T) {
	dev := descriptor.PonteVecchioProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Flags: descriptor.SetLayoutCreateEmbeddedImmutableSamplers,
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeSampler, DescriptorCount: 2, Stages: descriptor.StageFragment,
				ImmutableSamplers: []*descriptor.Sampler{testSampler(1), testSampler(1)}},
		},
	})
	require.NoError(t, err)
	defer layout.Unref()

	require.Equal(t, 2, layout.EmbeddedSamplerCount())
	require.Equal(t, 0, layout.DescriptorSurfaceSize())
	require.Equal(t, 0, layout.DescriptorSamplerSize())

	// Anything but immutable samplers is rejected
	_, err = descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Flags: descriptor.SetLayoutCreateEmbeddedImmutableSamplers,
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageFragment},
		},
	})
	require.Error(t, err)
}

func TestEmbeddedSamplerLayoutIndirect(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Flags: descriptor.SetLayoutCreateEmbeddedImmutableSamplers,
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeSampler, DescriptorCount: 2, Stages: descriptor.StageFragment,
				ImmutableSamplers: []*descriptor.Sampler{testSampler(1), testSampler(1)}},
		},
	})
	require.NoError(t, err)
	defer layout.Unref()

	// Embedded samplers occupy no set memory on indirect devices either
	require.Equal(t, 2, layout.EmbeddedSamplerCount())
	require.Equal(t, 0, layout.DescriptorSurfaceSize())
	require.Equal(t, 0, layout.DescriptorSamplerSize())
}

func TestLayoutRefCounting(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeSampledImage, DescriptorCount: 1, Stages: descriptor.StageFragment},
		},
	})
	require.NoError(t, err)

	require.Same(t, layout, layout.Ref())
	layout.Unref()
	layout.Unref()
	require.Panics(t, func() {
		layout.Unref()
	})
}
