// Package kv implements the concrete replicated state machine of spec
// component G: a structured-key store driven by Put/Get/Remove commands.
package kv

import (
	"strings"

	"github.com/quorumkv/rabia/rabia"
	"github.com/quorumkv/rabia/wire"
)

// StructuredKey is an ordered tuple of string segments.
type StructuredKey []string

// StructuredPattern matches a StructuredKey segment-wise; a "*" segment
// matches any single segment. A pattern must have the same length as the
// keys it is meant to match.
type StructuredPattern []string

// Matches reports whether key satisfies every segment of p.
func (p StructuredPattern) Matches(key StructuredKey) bool {
	if len(p) != len(key) {
		return false
	}
	for i, seg := range p {
		if seg != "*" && seg != key[i] {
			return false
		}
	}
	return true
}

func joinKey(k StructuredKey) string {
	return strings.Join(k, "\x00")
}

// Command payloads, registered with the wire registry below so that
// rabia.Command bytes round-trip through Machine.Process.
type (
	PutCommand struct {
		_     struct{} `cbor:",toarray"`
		Key   StructuredKey
		Value []byte
	}

	GetCommand struct {
		_   struct{} `cbor:",toarray"`
		Key StructuredKey
	}

	RemoveCommand struct {
		_   struct{} `cbor:",toarray"`
		Key StructuredKey
	}
)

const (
	tagPut uint16 = iota + 1
	tagGet
	tagRemove
)

var registry = wire.NewRegistry()

func init() {
	registry.Register(tagPut, PutCommand{})
	registry.Register(tagGet, GetCommand{})
	registry.Register(tagRemove, RemoveCommand{})
}

// EncodePut builds a rabia.Command carrying a Put(key, value).
func EncodePut(key StructuredKey, value []byte) rabia.Command {
	return rabia.Command(registry.Encode(PutCommand{Key: key, Value: value}))
}

// EncodeGet builds a rabia.Command carrying a Get(key). Per spec §4.G, Get
// is ordinarily submitted through consensus like any other command so every
// node's log observes it; Handle.ReadLocal (engine package) is the permitted
// local-read optimization for callers who don't need that.
func EncodeGet(key StructuredKey) rabia.Command {
	return rabia.Command(registry.Encode(GetCommand{Key: key}))
}

// EncodeRemove builds a rabia.Command carrying a Remove(key).
func EncodeRemove(key StructuredKey) rabia.Command {
	return rabia.Command(registry.Encode(RemoveCommand{Key: key}))
}

// Notification is the common interface of every event kv.Machine emits, so
// callers can match a notification against a StructuredPattern without a
// type switch.
type Notification interface {
	CommandKey() StructuredKey
}

// ValuePut is emitted after a successful Put.
type ValuePut struct {
	Key      StructuredKey
	Value    []byte
	Prior    []byte
	HadPrior bool
}

func (n ValuePut) CommandKey() StructuredKey { return n.Key }

// ValueGet is emitted after a Get, whether or not the key was present.
type ValueGet struct {
	Key   StructuredKey
	Value []byte
	Found bool
}

func (n ValueGet) CommandKey() StructuredKey { return n.Key }

// ValueRemove is emitted after a Remove, whether or not the key was present.
type ValueRemove struct {
	Key      StructuredKey
	Prior    []byte
	HadPrior bool
}

func (n ValueRemove) CommandKey() StructuredKey { return n.Key }

// Matches reports whether n's key satisfies pattern.
func Matches(n Notification, pattern StructuredPattern) bool {
	return pattern.Matches(n.CommandKey())
}

// Entry is one key/value pair returned by Find.
type Entry struct {
	Key   StructuredKey
	Value []byte
}
