// Package core holds the types, sentinels and small utilities shared by every
// component of the engine: namespaces, key/range bounds, mutation records,
// compression and the engine's error taxonomy.
package core

import (
	"bytes"
	"io"
)

// Namespace is a string label identifying a disjoint key subspace within one
// engine. The default namespace always sorts first in any ordered
// enumeration of an engine's namespaces.
type Namespace string

// DefaultNamespace is mandatory and always first in namespace ordering.
const DefaultNamespace Namespace = "default"

// OrderNamespaces returns ns with DefaultNamespace moved to the front and the
// remainder left in the order supplied, deduplicated. Callers (engine open,
// checkpoint open) must use this to line up namespace handles consistently.
func OrderNamespaces(ns []Namespace) []Namespace {
	seen := make(map[Namespace]bool, len(ns))
	ordered := make([]Namespace, 0, len(ns)+1)
	ordered = append(ordered, DefaultNamespace)
	seen[DefaultNamespace] = true
	for _, n := range ns {
		if seen[n] {
			continue
		}
		seen[n] = true
		ordered = append(ordered, n)
	}
	return ordered
}

// CompareKeys orders keys by unsigned lexicographic comparison.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Unbounded is the sentinel used for an unbounded Key Range start or end; a
// Range created with both set to Unbounded covers its whole namespace.
// Use IsUnbounded at the API edge to avoid confusing "no bound" with the
// literal empty-string key.
var Unbounded []byte = nil

// IsUnbounded reports whether b denotes "no bound" rather than the literal
// empty-string key. The engine represents both as a nil slice; callers that
// need to address the empty-string key itself must not rely on a zero-length
// non-nil slice surviving a round trip through the public API boundary types
// below, which normalize len==0 to nil.
func IsUnbounded(b []byte) bool {
	return b == nil
}

// Bound is an explicit alternative to the raw-nil-slice sentinel. No other
// package in this module takes or returns a Bound: compaction hints and
// range endpoints pass nil slices for "no bound".
type Bound struct {
	Key       []byte
	Unbounded bool
}

// NewBound wraps k, normalizing a zero-length key to Unbounded so callers
// cannot accidentally construct an ambiguous bound.
func NewBound(k []byte) Bound {
	if len(k) == 0 {
		return Bound{Unbounded: true}
	}
	return Bound{Key: k}
}

// CompressionType identifies the compression algorithm used for a segment or
// WAL record.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// Compressor compresses and decompresses leaf-store segment and WAL
// payloads. Implementations must be safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) (io.ReadCloser, error)
	Type() CompressionType
	CompressTo(dst *bytes.Buffer, src []byte) error
}
