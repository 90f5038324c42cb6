// Package wire encodes and decodes registered message and command types to
// bytes, per spec §4.E. It is a thin registry over CBOR — the teacher's own
// wire format, evidenced by its `cbor:",toarray"` struct tags throughout
// network/protocol/replication and network/protocol/abdrc.
//
// Serialization failures here are configuration errors: an unregistered type
// indicates a programmer mistake, not a data error, so Encode/Decode panic
// rather than return an error for that case (spec §4.E, §7).
package wire

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Registry maps a stable integer tag to a Go type, and back, so that frames
// on the wire can identify their payload type without reflection on the
// receiving end doing anything smarter than a map lookup.
type Registry struct {
	mu        sync.RWMutex
	byTag     map[uint16]reflect.Type
	tagByType map[reflect.Type]uint16
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:     make(map[uint16]reflect.Type),
		tagByType: make(map[reflect.Type]uint16),
	}
}

// Register associates tag with the type of sample. Re-registering the same
// tag with a different type, or the same type with a different tag, panics:
// both are configuration errors discovered at process start.
func (r *Registry) Register(tag uint16, sample any) {
	t := reflect.TypeOf(sample)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTag[tag]; ok && existing != t {
		panic(fmt.Sprintf("wire: tag %d already registered to %s, cannot reassign to %s", tag, existing, t))
	}
	if existingTag, ok := r.tagByType[t]; ok && existingTag != tag {
		panic(fmt.Sprintf("wire: type %s already registered to tag %d, cannot reassign to %d", t, existingTag, tag))
	}
	r.byTag[tag] = t
	r.tagByType[t] = tag
}

// Encode writes value's tag followed by its CBOR encoding. value's type must
// have been registered; otherwise Encode panics (configuration error).
func (r *Registry) Encode(value any) []byte {
	t := reflect.TypeOf(value)

	r.mu.RLock()
	tag, ok := r.tagByType[t]
	r.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("wire: type %s is not registered", t))
	}

	body, err := cbor.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("wire: encoding %s: %v", t, err))
	}

	out := make([]byte, 2+len(body))
	out[0] = byte(tag >> 8)
	out[1] = byte(tag)
	copy(out[2:], body)
	return out
}

// Decode reads a tag-prefixed frame produced by Encode and returns a pointer
// to a freshly allocated value of the registered type for that tag.
func (r *Registry) Decode(frame []byte) (any, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("wire: frame too short to contain a tag: %d bytes", len(frame))
	}
	tag := uint16(frame[0])<<8 | uint16(frame[1])

	r.mu.RLock()
	t, ok := r.byTag[tag]
	r.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("wire: tag %d is not registered", tag))
	}

	ptr := reflect.New(t)
	if err := cbor.Unmarshal(frame[2:], ptr.Interface()); err != nil {
		return nil, fmt.Errorf("wire: decoding tag %d (%s): %w", tag, t, err)
	}
	return ptr.Interface(), nil
}

// Marshal is a convenience wrapper for encoding a value without a type tag,
// used for opaque payloads (batch contents, snapshot bytes) that are decoded
// by a caller who already knows the destination type.
func Marshal(value any) ([]byte, error) {
	return cbor.Marshal(value)
}

// Unmarshal decodes data into out, which must be a pointer.
func Unmarshal(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
