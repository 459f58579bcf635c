package ml

import "unsafe"

// asInt32s reinterprets a storage cell's backing bytes as a []int32
// without copying, the same zero-copy aliasing the wiring package
// relies on to let one subgraph's output buffer double as another's
// input. b's length is always an exact multiple of 4 because
// allocate() sizes it from DType.ElementSize(), so this never panics
// on an uneven remainder.
func asInt32s(b []byte) []int32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func asInt16s(b []byte) []int16 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), len(b)/2)
}

func asFloat32s(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
