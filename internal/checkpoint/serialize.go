package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// circularMarker replaces any value already visited on the current
// traversal path. Breaking the cycle keeps serialization total over
// arbitrary inputs.
const circularMarker = "[circular]"

// lz4Magic is the lz4 frame magic number; payloads starting with it are
// decompressed before checksum verification.
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

// SerializedState is the outcome of serializing a checkpoint payload.
type SerializedState struct {
	Data       []byte // canonical JSON, lz4-compressed when Compressed is set
	Checksum   string // sha256 over the canonical (uncompressed) bytes
	Size       int    // canonical byte length before compression
	Compressed bool
	Warnings   []string
}

// SerializeState converts an arbitrary value into canonical bytes with an
// integrity checksum. Self-referential structures are detected and broken
// with a marker rather than failing; a warning records each break.
// Payloads above compressThreshold are lz4-compressed.
func SerializeState(v any, compressThreshold int) (*SerializedState, error) {
	var warnings []string
	normalized := normalize(reflect.ValueOf(v), map[uintptr]bool{}, &warnings)

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("serializing state: %w", err)
	}

	sum := sha256.Sum256(canonical)
	out := &SerializedState{
		Data:     canonical,
		Checksum: hex.EncodeToString(sum[:]),
		Size:     len(canonical),
		Warnings: warnings,
	}

	if compressThreshold > 0 && len(canonical) > compressThreshold {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(canonical); err != nil {
			return nil, fmt.Errorf("compressing state: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compressing state: %w", err)
		}
		out.Data = buf.Bytes()
		out.Compressed = true
	}

	return out, nil
}

// DeserializeState verifies and decodes serialized state. The checksum is
// recomputed over the canonical bytes and compared before any data is
// returned; a mismatch fails closed with an IntegrityError.
func DeserializeState(blob []byte, checksum string) (any, error) {
	canonical := blob
	if bytes.HasPrefix(blob, lz4Magic) {
		zr := lz4.NewReader(bytes.NewReader(blob))
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompressing state: %w", err)
		}
		canonical = decompressed
	}

	sum := sha256.Sum256(canonical)
	actual := hex.EncodeToString(sum[:])
	if actual != checksum {
		return nil, &IntegrityError{Expected: checksum, Actual: actual}
	}

	var v any
	if err := json.Unmarshal(canonical, &v); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return v, nil
}

// decodeData verifies and decodes serialized state into the closed Data
// structure.
func decodeData(blob []byte, checksum string) (*Data, error) {
	canonical := blob
	if bytes.HasPrefix(blob, lz4Magic) {
		zr := lz4.NewReader(bytes.NewReader(blob))
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompressing state: %w", err)
		}
		canonical = decompressed
	}

	sum := sha256.Sum256(canonical)
	actual := hex.EncodeToString(sum[:])
	if actual != checksum {
		return nil, &IntegrityError{Expected: checksum, Actual: actual}
	}

	data := &Data{}
	if err := json.Unmarshal(canonical, data); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return data, nil
}

// normalize walks a value and produces a tree of maps, slices, and scalars
// that json.Marshal renders canonically (map keys sorted). visited tracks
// the identity of pointers, maps, and slices on the current path so cycles
// are broken exactly once per re-entry.
func normalize(v reflect.Value, visited map[uintptr]bool, warnings *[]string) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return normalize(v.Elem(), visited, warnings)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			*warnings = append(*warnings, "circular reference broken during serialization")
			return circularMarker
		}
		visited[ptr] = true
		out := normalize(v.Elem(), visited, warnings)
		delete(visited, ptr)
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			*warnings = append(*warnings, "circular reference broken during serialization")
			return circularMarker
		}
		visited[ptr] = true
		out := make(map[string]any, v.Len())
		for _, key := range v.MapKeys() {
			out[fmt.Sprint(key.Interface())] = normalize(v.MapIndex(key), visited, warnings)
		}
		delete(visited, ptr)
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			*warnings = append(*warnings, "circular reference broken during serialization")
			return circularMarker
		}
		visited[ptr] = true
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = normalize(v.Index(i), visited, warnings)
		}
		delete(visited, ptr)
		return out

	case reflect.Array:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = normalize(v.Index(i), visited, warnings)
		}
		return out

	case reflect.Struct:
		// time.Time and friends marshal themselves; anything else is
		// walked field by field so pointer cycles inside the struct are
		// still caught.
		if _, ok := v.Interface().(json.Marshaler); ok {
			b, err := json.Marshal(v.Interface())
			if err != nil {
				*warnings = append(*warnings, fmt.Sprintf("unserializable struct %s replaced with null", v.Type()))
				return nil
			}
			var decoded any
			if err := json.Unmarshal(b, &decoded); err != nil {
				return nil
			}
			return decoded
		}
		t := v.Type()
		out := make(map[string]any)
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			omitempty := false
			if tag, ok := f.Tag.Lookup("json"); ok {
				parts := strings.Split(tag, ",")
				if parts[0] == "-" && len(parts) == 1 {
					continue
				}
				if parts[0] != "" {
					name = parts[0]
				}
				for _, opt := range parts[1:] {
					if opt == "omitempty" {
						omitempty = true
					}
				}
			}
			fv := v.Field(i)
			if omitempty && fv.IsZero() {
				continue
			}
			out[name] = normalize(fv, visited, warnings)
		}
		return out

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		*warnings = append(*warnings, fmt.Sprintf("unserializable %s value replaced with null", v.Kind()))
		return nil

	default:
		return v.Interface()
	}
}

// sortedKeys returns the keys of a normalized map in canonical order.
// Used by tests to assert canonical encoding.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
