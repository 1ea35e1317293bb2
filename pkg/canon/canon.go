// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package canon implements canonical JSON: stable key ordering and minimal
// numeric form. Composite Redis keys are built from it so that producers
// written in any language agree on the bytes.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal encodes v as canonical JSON. Object keys are sorted
// lexicographically, numbers use the shortest round-trip representation,
// and no insignificant whitespace is emitted.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal is a plain json.Unmarshal; decoding does not need to be
// canonical, only encoding does.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Key builds a canonical JSON array key out of the given parts.
// It panics on unencodable parts; keys are built from strings and numbers
// only, so a failure is a programmer error.
func Key(parts ...any) string {
	data, err := Marshal(parts)
	if err != nil {
		panic(fmt.Sprintf("canon.Key(%v): %v", parts, err))
	}
	return string(data)
}

// KeyParts decodes a key produced by Key back into raw JSON elements.
func KeyParts(key string) ([]json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(key), &parts); err != nil {
		return nil, fmt.Errorf("malformed composite key %q: %w", key, err)
	}
	return parts, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(data)
	case json.Number:
		return writeNumber(buf, v)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(data)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
	return nil
}

// writeNumber emits integers without exponent/fraction and floats in the
// shortest form that round-trips. Integral floats collapse to integers so
// that 1, 1.0 and 1e0 all encode as "1".
func writeNumber(buf *bytes.Buffer, num json.Number) error {
	if i, err := num.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := num.Float64()
	if err != nil {
		return fmt.Errorf("canon: bad number %q: %w", num, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canon: non-finite number %q", num)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatFloat(f, 'f', 0, 64))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
