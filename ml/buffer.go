package ml

import (
	"sync"

	"github.com/onloop/npuexec/status"
)

// storageCell is the single underlying allocation a Buffer (or a
// family of Buffers created by Duplicate) points at. The registry
// owns storage centrally and hands out reference-counted handles
// (design note §9, option (a)) rather than pre-allocating per-context
// buffers and swapping pointers.
type storageCell struct {
	dtype DType
	shape []int
	bytes []byte

	// mu excludes concurrent CPU-side lock holders on this storage.
	// Acquiring it is the "scoped lock" of spec.md §4.1; the device
	// is assumed to never touch bytes while any Go code holds mu (the
	// registry's contract with the caller is that all locks are
	// released before invoking the owning subgraph — see
	// spec.md §5 "Shared-resource policy").
	mu sync.Mutex

	refs int
}

// Buffer is a named handle onto a storageCell. Two Buffers alias when
// they share a *storageCell; each still owns its own identity (name)
// so it can be looked up independently in a SignatureContext.
type Buffer struct {
	// Name identifies this handle for error messages and logging;
	// by convention "<signature>:<tensor>".
	Name string

	cell *storageCell
}

// DType returns the element type of b.
func (b *Buffer) DType() DType { return b.cell.dtype }

// Shape returns the dimensions of b, ordered outermost-first.
func (b *Buffer) Shape() []int { return append([]int(nil), b.cell.shape...) }

// Size returns the buffer's size in bytes.
func (b *Buffer) Size() int { return len(b.cell.bytes) }

// Aliases reports whether b and other share the same underlying
// storage cell.
func (b *Buffer) Aliases(other *Buffer) bool { return b.cell == other.cell }

// Lock is a scoped CPU-side exclusive access token on a Buffer. It
// must be released on every exit path; callers should defer Release
// immediately after a successful Lock.
type Lock struct {
	cell  *storageCell
	bytes []byte
}

// Release unlocks the buffer's storage, permitting the device or
// another CPU-side lock to access it. Release is safe to call more
// than once; only the first call has an effect.
func (l *Lock) Release() {
	if l.cell == nil {
		return
	}
	l.cell.mu.Unlock()
	l.cell = nil
}

// Bytes returns the raw pointer-equivalent backing slice for the
// locked buffer. It is only valid between Lock and Release.
func (l *Lock) Bytes() []byte { return l.bytes }

// Int32s views the locked buffer as a []int32. Like Int16s and
// Float32s, it reinterprets the bytes without checking the buffer's
// element type.
func (l *Lock) Int32s() []int32 { return asInt32s(l.bytes) }

// Int16s views the locked buffer as a []int16.
func (l *Lock) Int16s() []int16 { return asInt16s(l.bytes) }

// Float32s views the locked buffer as a []float32.
func (l *Lock) Float32s() []float32 { return asFloat32s(l.bytes) }

// ScopedLock acquires exclusive CPU-side access to b and returns a
// Lock whose Release is guaranteed-callable on every exit path. It
// blocks until any outstanding lock on the same storage is released.
func ScopedLock(b *Buffer) *Lock {
	b.cell.mu.Lock()
	return &Lock{cell: b.cell, bytes: b.cell.bytes}
}

// CopyFrom reads b's current contents into a freshly allocated typed
// host vector, acquiring and releasing its own scoped lock.
func CopyFrom(b *Buffer) (any, error) {
	lock := ScopedLock(b)
	defer lock.Release()

	switch b.DType() {
	case DTypeInt32:
		out := make([]int32, len(lock.Int32s()))
		copy(out, lock.Int32s())
		return out, nil
	case DTypeInt16:
		out := make([]int16, len(lock.Int16s()))
		copy(out, lock.Int16s())
		return out, nil
	case DTypeFloat32:
		out := make([]float32, len(lock.Float32s()))
		copy(out, lock.Float32s())
		return out, nil
	default:
		return nil, status.Internalf("buffer %q has unknown element type", b.Name)
	}
}

// Write overwrites b's contents with a typed host span, acquiring and
// releasing its own scoped lock. span's length must match b's element
// count exactly.
func Write(b *Buffer, span any) error {
	lock := ScopedLock(b)
	defer lock.Release()
	return writeLocked(b, lock, span)
}

func writeLocked(b *Buffer, lock *Lock, span any) error {
	switch b.DType() {
	case DTypeInt32:
		v, ok := span.([]int32)
		if !ok {
			return status.InvalidArgumentf("buffer %q is int32, got %T", b.Name, span)
		}
		dst := lock.Int32s()
		if len(v) != len(dst) {
			return status.InvalidArgumentf("buffer %q wants %d elements, got %d", b.Name, len(dst), len(v))
		}
		copy(dst, v)
	case DTypeInt16:
		v, ok := span.([]int16)
		if !ok {
			return status.InvalidArgumentf("buffer %q is int16, got %T", b.Name, span)
		}
		dst := lock.Int16s()
		if len(v) != len(dst) {
			return status.InvalidArgumentf("buffer %q wants %d elements, got %d", b.Name, len(dst), len(v))
		}
		copy(dst, v)
	case DTypeFloat32:
		v, ok := span.([]float32)
		if !ok {
			return status.InvalidArgumentf("buffer %q is float32, got %T", b.Name, span)
		}
		dst := lock.Float32s()
		if len(v) != len(dst) {
			return status.InvalidArgumentf("buffer %q wants %d elements, got %d", b.Name, len(dst), len(v))
		}
		copy(dst, v)
	default:
		return status.Internalf("buffer %q has unknown element type", b.Name)
	}
	return nil
}

// Zero overwrites every byte of b with zero, under its own scoped
// lock. The executor does not call it; it zero-fills its prefill
// inputs inline while it already holds their locks.
func Zero(b *Buffer) {
	lock := ScopedLock(b)
	defer lock.Release()
	for i := range lock.bytes {
		lock.bytes[i] = 0
	}
}
