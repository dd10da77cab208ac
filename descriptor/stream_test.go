package descriptor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/descbind/descriptor"
)

func TestStateStreamAlignment(t *testing.T) {
	stream := descriptor.NewStateStream()

	a := stream.Alloc(64, 64)
	require.Equal(t, 0, a.Offset)
	require.Len(t, a.Map, 64)
	require.NotZero(t, a.Address)
	require.Zero(t, a.Address%64)

	b := stream.Alloc(8, 8)
	require.Equal(t, 64, b.Offset)
	require.Equal(t, a.Address+64, b.Address)

	c := stream.Alloc(32, 32)
	require.Equal(t, 96, c.Offset)
}

func TestStateStreamGrowsNewBlocks(t *testing.T) {
	stream := descriptor.NewStateStream()

	first := stream.Alloc(4096, 64)
	require.Equal(t, 0, first.Offset)

	// The first block is full, so this starts a new one
	second := stream.Alloc(64, 64)
	require.Equal(t, 0, second.Offset)
	require.NotEqual(t, first.Address, second.Address)
}

func TestStateStreamOversizedAllocation(t *testing.T) {
	stream := descriptor.NewStateStream()

	big := stream.Alloc(10000, 64)
	require.Len(t, big.Map, 10000)
	require.Equal(t, 0, big.Offset)
}

func TestStateStreamReset(t *testing.T) {
	stream := descriptor.NewStateStream()

	stream.Alloc(128, 64)
	stream.Reset()

	a := stream.Alloc(64, 64)
	require.Equal(t, 0, a.Offset)
}
