package descriptor

import "encoding/binary"

const (
	// MaxSets is the number of descriptor sets that can be simultaneously
	// bound to a pipeline
	MaxSets = 8
	// MaxDynamicBuffers bounds the dynamic uniform/storage buffer bindings
	// across all sets bound to a pipeline
	MaxDynamicBuffers = 16
	// MaxPushDescriptors bounds the descriptor count of a push descriptor
	// set layout
	MaxPushDescriptors = 32
	// MaxInlineUniformBlockSize bounds the byte size of a single inline
	// uniform block binding
	MaxInlineUniformBlockSize = 4096

	// HeapBaseOffset keeps offset 0 out of every descriptor heap so a zero
	// offset always means "no state allocated"
	HeapBaseOffset = 64
)

// Generation identifies a hardware generation for the few behaviors that
// differ between them.
type Generation int32

const (
	Gfx9   Generation = 9
	Gfx11  Generation = 11
	Gfx12  Generation = 12
	Gfx125 Generation = 125
)

var generationMapping = make(map[Generation]string)

func (g Generation) String() string {
	return generationMapping[g]
}

func init() {
	generationMapping[Gfx9] = "Gfx9"
	generationMapping[Gfx11] = "Gfx11"
	generationMapping[Gfx12] = "Gfx12"
	generationMapping[Gfx125] = "Gfx125"
}

// DeviceInfo carries the per-device facts the descriptor machinery depends
// on. Sizes and alignments are explicit so layouts stay deterministic across
// hosts.
type DeviceInfo struct {
	Generation Generation

	// IndirectDescriptors selects the indirect descriptor representation for
	// layouts that do not request descriptor buffers
	IndirectDescriptors bool
	// UsesExtendedBindlessOffset means bindless surface offsets are full
	// byte offsets rather than 64-byte-unit encodings
	UsesExtendedBindlessOffset bool

	SurfaceStateSize      int
	SurfaceStateAlignment uint
	SamplerStateSize      int
	SamplerStateAlignment uint

	// UniformBufferAlignment is the required alignment for uniform buffer
	// ranges and for a set's descriptor surface
	UniformBufferAlignment uint

	// MaxBindingTableSize is the hardware limit on binding table entries per
	// shader stage
	MaxBindingTableSize int
	// ReservedRenderTargets is the number of binding table entries reserved
	// for render targets
	ReservedRenderTargets int

	// UpperBoundPoolSamplerCount sizes every sampler pool entry as if it had
	// the largest count seen across the pool's entries. Works around
	// applications that under-declare their sampler needs.
	UpperBoundPoolSamplerCount bool

	// NullSurfaceState is the surface state written for null descriptors
	NullSurfaceState []byte
}

func nullSurfaceBlob(gen Generation) []byte {
	blob := make([]byte, 64)
	// Tag the first dword so distinct generations produce distinct null
	// states, mirroring the way real null surfaces encode their type.
	binary.LittleEndian.PutUint32(blob, 0x7<<29|uint32(gen))
	return blob
}

// SkylakeProfile describes a Gfx9 device, which uses indirect descriptors
// and legacy bindless offsets.
func SkylakeProfile() *DeviceInfo {
	return &DeviceInfo{
		Generation:             Gfx9,
		IndirectDescriptors:    true,
		SurfaceStateSize:       64,
		SurfaceStateAlignment:  64,
		SamplerStateSize:       32,
		SamplerStateAlignment:  32,
		UniformBufferAlignment: 64,
		MaxBindingTableSize:    240,
		ReservedRenderTargets:  8,
		NullSurfaceState:       nullSurfaceBlob(Gfx9),
	}
}

// TigerLakeProfile describes a Gfx12 device, indirect descriptors with
// legacy bindless offsets.
func TigerLakeProfile() *DeviceInfo {
	return &DeviceInfo{
		Generation:             Gfx12,
		IndirectDescriptors:    true,
		SurfaceStateSize:       64,
		SurfaceStateAlignment:  64,
		SamplerStateSize:       32,
		SamplerStateAlignment:  32,
		UniformBufferAlignment: 64,
		MaxBindingTableSize:    240,
		ReservedRenderTargets:  8,
		NullSurfaceState:       nullSurfaceBlob(Gfx12),
	}
}

// PonteVecchioProfile describes a Gfx12.5 device, which lays descriptors out
// directly and addresses bindless surfaces with full byte offsets.
func PonteVecchioProfile() *DeviceInfo {
	return &DeviceInfo{
		Generation:                 Gfx125,
		IndirectDescriptors:        false,
		UsesExtendedBindlessOffset: true,
		SurfaceStateSize:           64,
		SurfaceStateAlignment:      64,
		SamplerStateSize:           32,
		SamplerStateAlignment:      32,
		UniformBufferAlignment:     64,
		MaxBindingTableSize:        240,
		ReservedRenderTargets:      8,
		NullSurfaceState:           nullSurfaceBlob(Gfx125),
	}
}
