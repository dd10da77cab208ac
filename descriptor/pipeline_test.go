package descriptor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/descbind/descriptor"
)

func dynamicLayout(t *testing.T, dev *descriptor.DeviceInfo, count int) *descriptor.SetLayout {
	t.Helper()
	layout, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBufferDynamic, DescriptorCount: count, Stages: descriptor.StageVertex},
		},
	})
	require.NoError(t, err)
	return layout
}

func TestPipelineSetsLayoutAggregation(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	layoutA := dynamicLayout(t, dev, 2)
	defer layoutA.Unref()
	layoutB := dynamicLayout(t, dev, 3)
	defer layoutB.Unref()

	var pipeline descriptor.PipelineSetsLayout
	pipeline.Init(dev, false)
	defer pipeline.Finish()

	require.NoError(t, pipeline.Add(0, layoutA))
	require.NoError(t, pipeline.Add(2, layoutB))

	require.Equal(t, descriptor.LayoutTypeIndirect, pipeline.Type())
	require.Equal(t, 3, pipeline.SetCount())
	require.Nil(t, pipeline.SetLayoutAt(1))
	require.Same(t, layoutB, pipeline.SetLayoutAt(2))

	require.Equal(t, 0, pipeline.DynamicOffsetStart(0))
	require.Equal(t, 2, pipeline.DynamicOffsetStart(2))
	require.Equal(t, 5, pipeline.DynamicBufferCount())
	require.Equal(t, -1, pipeline.PushDescriptorSetIndex())
}

func TestPipelineHashCoversSetsAndOffsets(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	layoutA := dynamicLayout(t, dev, 2)
	defer layoutA.Unref()
	layoutB := dynamicLayout(t, dev, 3)
	defer layoutB.Unref()

	var p1 descriptor.PipelineSetsLayout
	p1.Init(dev, false)
	defer p1.Finish()
	require.NoError(t, p1.Add(0, layoutA))
	require.NoError(t, p1.Add(1, layoutB))

	var p2 descriptor.PipelineSetsLayout
	p2.Init(dev, false)
	defer p2.Finish()
	require.NoError(t, p2.Add(0, layoutA))
	require.NoError(t, p2.Add(1, layoutB))

	require.Equal(t, p1.Hash(), p2.Hash())

	// Swapping set positions changes the identity
	var p3 descriptor.PipelineSetsLayout
	p3.Init(dev, false)
	defer p3.Finish()
	require.NoError(t, p3.Add(0, layoutB))
	require.NoError(t, p3.Add(1, layoutA))

	require.NotEqual(t, p1.Hash(), p3.Hash())
}

func TestPipelineRejectsMixedLayoutTypes(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	indirect := uniformLayout(t, dev, 1)
	defer indirect.Unref()

	buffer, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{
		Flags: descriptor.SetLayoutCreateDescriptorBuffer,
		Bindings: []descriptor.SetLayoutBinding{
			{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex},
		},
	})
	require.NoError(t, err)
	defer buffer.Unref()

	var pipeline descriptor.PipelineSetsLayout
	pipeline.Init(dev, false)
	defer pipeline.Finish()

	require.NoError(t, pipeline.Add(0, indirect))
	require.Error(t, pipeline.Add(1, buffer))
}

func TestPipelineDynamicBufferLimit(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	big := dynamicLayout(t, dev, descriptor.MaxDynamicBuffers)
	defer big.Unref()
	one := dynamicLayout(t, dev, 1)
	defer one.Unref()

	var pipeline descriptor.PipelineSetsLayout
	pipeline.Init(dev, false)
	defer pipeline.Finish()

	require.NoError(t, pipeline.Add(0, big))
	require.Error(t, pipeline.Add(1, one))
}

func TestPipelineSinglePushDescriptorSet(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	pushA := pushLayout(t, dev, []descriptor.SetLayoutBinding{
		{Binding: 0, Type: descriptor.TypeUniformBuffer, DescriptorCount: 1, Stages: descriptor.StageVertex},
	})
	defer pushA.Unref()
	pushB := pushLayout(t, dev, []descriptor.SetLayoutBinding{
		{Binding: 0, Type: descriptor.TypeSampledImage, DescriptorCount: 1, Stages: descriptor.StageFragment},
	})
	defer pushB.Unref()

	var pipeline descriptor.PipelineSetsLayout
	pipeline.Init(dev, false)
	defer pipeline.Finish()

	require.NoError(t, pipeline.Add(1, pushA))
	require.Equal(t, 1, pipeline.PushDescriptorSetIndex())
	require.Error(t, pipeline.Add(2, pushB))
}

func TestPipelineIndependentSetsSkipEmptyLayouts(t *testing.T) {
	dev := descriptor.TigerLakeProfile()

	empty, err := descriptor.NewSetLayout(dev, descriptor.SetLayoutCreateInfo{})
	require.NoError(t, err)
	defer empty.Unref()
	require.True(t, empty.Empty())

	var pipeline descriptor.PipelineSetsLayout
	pipeline.Init(dev, true)
	defer pipeline.Finish()

	require.NoError(t, pipeline.Add(0, empty))
	require.Equal(t, 0, pipeline.SetCount())
	require.Nil(t, pipeline.SetLayoutAt(0))
}
