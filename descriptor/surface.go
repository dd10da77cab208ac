package descriptor

import "encoding/binary"

// fillBufferSurfaceState encodes a buffer surface state into mem, which must
// be SurfaceStateSize bytes.
func fillBufferSurfaceState(dev *DeviceInfo, mem []byte, address uint64, size uint64) {
	for i := range mem {
		mem[i] = 0
	}
	binary.LittleEndian.PutUint32(mem, 0x4<<29|uint32(dev.Generation))
	binary.LittleEndian.PutUint64(mem[8:], address)
	binary.LittleEndian.PutUint64(mem[16:], size)
}
