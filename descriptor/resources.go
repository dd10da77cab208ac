package descriptor

// WholeSize in a buffer write means "from the offset to the end of the
// buffer".
const WholeSize = ^uint64(0)

// ImageViewPlane carries one plane's worth of precomputed hardware state for
// an image view.
type ImageViewPlane struct {
	// SurfaceState is the sampling surface state, SurfaceStateSize bytes
	SurfaceState []byte
	// StorageSurfaceState is the storage-access surface state, if the view
	// supports storage
	StorageSurfaceState []byte

	// SurfaceHandle and StorageHandle are the device-resolvable handles for
	// the two states, used by indirect layouts
	SurfaceHandle uint32
	StorageHandle uint32
}

// ImageView is the image resource a descriptor write references. Multi-plane
// views carry one entry per plane.
type ImageView struct {
	Planes []ImageViewPlane
	Depth  uint32
}

func (v *ImageView) PlaneCount() int {
	return len(v.Planes)
}

// SamplerConversion describes a sampler's attached format conversion. Its
// fields participate in layout hashing so layouts with different conversions
// never compare equal.
type SamplerConversion struct {
	Format     uint32
	Model      uint32
	Range      uint32
	ChromaX    uint32
	ChromaY    uint32
	Components [4]uint32
}

// Sampler carries precomputed sampler state, one States entry per plane.
type Sampler struct {
	PlaneCount int
	// States holds SamplerStateSize bytes per plane
	States [][]byte
	// BindlessOffset is the sampler's offset in the device sampler heap, for
	// indirect layouts
	BindlessOffset uint32

	Conversion *SamplerConversion

	// EmbeddedKey identifies the sampler for embedded-immutable-sampler
	// layouts, where the sampler is baked into the shader
	EmbeddedKey uint32
}

// Buffer is the buffer resource a descriptor write references.
type Buffer struct {
	Address uint64
	Size    uint64
}

// TexelBufferView carries precomputed surface state for a formatted buffer
// view.
type TexelBufferView struct {
	SurfaceState        []byte
	StorageSurfaceState []byte
	SurfaceHandle       uint32
	StorageHandle       uint32
}

// AccelerationStructure is the ray-tracing resource a descriptor write
// references.
type AccelerationStructure struct {
	Address uint64
	Size    uint64
}

// Descriptor is the CPU-side record of one written descriptor element. It is
// what copies and push-set forwarding read back.
type Descriptor struct {
	Type DescriptorType

	ImageView *ImageView
	Sampler   *Sampler

	TexelBufferView *TexelBufferView

	Buffer *Buffer
	Offset uint64
	Range  uint64
	// BindRange is the effective range the shader sees, after whole-size
	// resolution and uniform-buffer alignment padding
	BindRange uint64

	AccelerationStructure *AccelerationStructure
}

// BufferView is a per-element surface state a set materializes for plain
// buffer descriptors that need one.
type BufferView struct {
	Address uint64
	Range   uint64
	// SurfaceState is where the view's surface state lives, in the set's
	// surface region or a surface state stream
	SurfaceState State
	// SurfaceHandle is the device-resolvable handle encoding the surface
	// state's offset
	SurfaceHandle uint32
}
