package mem

import (
	"reflect"
	"unsafe"
)

// Memcopy copies size bytes from src to dst. Both addresses are expected to
// lie within the simulated RAM arena (see ram.go); the source and
// destination ranges must not overlap. It is used by the COW fault handler
// to duplicate a frame's contents into a freshly allocated one.
func Memcopy(dst, src uintptr, size Size) {
	if size == 0 {
		return
	}

	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dst,
	}))
	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: src,
	}))

	copy(dstSlice, srcSlice)
}
