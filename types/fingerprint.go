package types

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"math"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// Fingerprint returns a stable content hash of the value's schema and contents.
// Tables are hashed column by column in declared order, files by key only.
func Fingerprint(v Value) string {
	h := blake3.New(32, nil)
	writeValue(h, v)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintValues hashes a port-keyed value map independent of map iteration order.
func FingerprintValues(m map[string]Value) string {
	h := blake3.New(32, nil)
	for _, k := range sortedKeys(m) {
		writeString(h, k)
		writeValue(h, m[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintSchemas hashes a port-keyed schema map.
func FingerprintSchemas(m map[string]Schema) string {
	h := blake3.New(32, nil)
	for _, k := range sortedKeys(m) {
		writeString(h, k)
		writeSchema(h, m[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintJSON hashes the canonical JSON encoding of v. Map keys are
// sorted by encoding/json, which makes parameter maps stable.
func FingerprintJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeString(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeUint(h hash.Hash, u uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], u)
	h.Write(n[:])
}

func writeSchema(h hash.Hash, s Schema) {
	writeString(h, string(s.Type))
	switch {
	case s.Tab != nil:
		for _, c := range s.Tab.Columns {
			writeString(h, c)
			writeString(h, string(s.Tab.ColTypes[c]))
		}
	case s.File != nil:
		writeString(h, string(s.File.Format))
		for _, c := range sortedKeys(s.File.ColTypes) {
			writeString(h, c)
			writeString(h, string(s.File.ColTypes[c]))
		}
	}
}

func writeValue(h hash.Hash, v Value) {
	if v == nil {
		writeString(h, "nil")
		return
	}
	writeSchema(h, v.Schema())
	switch x := v.(type) {
	case *Table:
		writeUint(h, uint64(x.rows))
		for _, c := range x.schema.Columns {
			for _, cell := range x.cols[c] {
				writeCell(h, cell)
			}
		}
	case FileHandle:
		writeString(h, x.Key)
	default:
		cell, _ := ToCell(v)
		writeCell(h, cell)
	}
}

func writeCell(h hash.Hash, cell any) {
	switch c := cell.(type) {
	case nil:
		h.Write([]byte{0})
	case int64:
		h.Write([]byte{1})
		writeUint(h, uint64(c))
	case float64:
		h.Write([]byte{2})
		writeUint(h, math.Float64bits(c))
	case bool:
		h.Write([]byte{3})
		if c {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	case string:
		h.Write([]byte{4})
		writeString(h, c)
	case time.Time:
		h.Write([]byte{5})
		writeUint(h, uint64(c.UnixNano()))
	}
}
