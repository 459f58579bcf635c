package ml

import (
	"fmt"

	"github.com/onloop/npuexec/status"
)

// Registry names, allocates, and hands out sharable device buffers.
// Buffers created for distinct (signatureName, tensorName) pairs are
// independent unless explicitly aliased with Duplicate.
type Registry struct {
	buffers map[string]*Buffer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buffers: make(map[string]*Buffer)}
}

func key(signatureName, tensorName string) string {
	return signatureName + ":" + tensorName
}

func (r *Registry) allocate(signatureName, tensorName string, dtype DType, shape []int) (*Buffer, error) {
	k := key(signatureName, tensorName)
	if _, exists := r.buffers[k]; exists {
		return nil, status.Internalf("buffer registry: %q already created", k)
	}

	n, err := numElements(shape)
	if err != nil {
		return nil, status.InvalidArgumentf("buffer %q: %v", k, err)
	}
	elemSize := dtype.ElementSize()
	if elemSize == 0 {
		return nil, status.InvalidArgumentf("buffer %q: unsupported element type %v", k, dtype)
	}

	cell := &storageCell{
		dtype: dtype,
		shape: append([]int(nil), shape...),
		bytes: make([]byte, n*elemSize),
		refs:  1,
	}
	buf := &Buffer{Name: k, cell: cell}
	r.buffers[k] = buf
	return buf, nil
}

// CreateInputBuffer allocates a fresh buffer for a subgraph's declared
// input tensor.
func (r *Registry) CreateInputBuffer(signatureName, tensorName string, dtype DType, shape ...int) (*Buffer, error) {
	return r.allocate(signatureName, tensorName, dtype, shape)
}

// CreateOutputBuffer allocates a fresh buffer for a subgraph's
// declared output tensor.
func (r *Registry) CreateOutputBuffer(signatureName, tensorName string, dtype DType, shape ...int) (*Buffer, error) {
	return r.allocate(signatureName, tensorName, dtype, shape)
}

// Duplicate returns a new Buffer handle that shares b's storage but
// owns its own identity. The duplicate's lock state is independent in
// the sense that each handle can be passed to ScopedLock by name, but
// both ultimately contend on the same underlying sync.Mutex, so a lock
// held through one handle excludes a lock through the other — this is
// the "exclusive unless explicitly duplicated" guarantee of spec.md
// §4.1, not an invitation to concurrent access.
func (r *Registry) Duplicate(b *Buffer, signatureName, tensorName string) (*Buffer, error) {
	k := key(signatureName, tensorName)
	if _, exists := r.buffers[k]; exists {
		return nil, status.Internalf("buffer registry: %q already created", k)
	}
	b.cell.refs++
	dup := &Buffer{Name: k, cell: b.cell}
	r.buffers[k] = dup
	return dup, nil
}

// Lookup returns the buffer previously created or duplicated for
// (signatureName, tensorName).
func (r *Registry) Lookup(signatureName, tensorName string) (*Buffer, error) {
	b, ok := r.buffers[key(signatureName, tensorName)]
	if !ok {
		return nil, status.NotFoundf("buffer registry: no buffer for %s", key(signatureName, tensorName))
	}
	return b, nil
}

// Size returns b's size in bytes. Exposed as a Registry method (in
// addition to Buffer.Size) to match spec.md §4.1's operation list.
func (r *Registry) Size(b *Buffer) int { return b.Size() }

// TensorType returns b's element type.
func (r *Registry) TensorType(b *Buffer) DType { return b.DType() }

// Close releases every buffer this registry allocated. Buffers must
// not be used after Close.
func (r *Registry) Close() {
	for k, b := range r.buffers {
		b.cell.refs--
		delete(r.buffers, k)
	}
}

// String renders the registry's buffer count and total bytes for
// logging, mirroring the teacher's filteredEnv.LogValue() brevity.
func (r *Registry) String() string {
	var total int
	for _, b := range r.buffers {
		total += b.Size()
	}
	return fmt.Sprintf("ml.Registry{buffers: %d, bytes: %d}", len(r.buffers), total)
}
