/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package uarr implements the project's schemaless binary encoding:
// a length-prefixed frame (magic, format version, reserved header,
// total length) followed by a tag-prefixed value stream. Encoding of
// equal inputs is bit-identical, which is what lets the WAL and disk
// snapshot layers detect corruption and duplication by comparing
// encoded bytes.
package uarr

import (
	"encoding/binary"
	"math"

	"github.com/launix-de/fxd/fxderr"
)

var magic = [4]byte{'U', 'A', 'R', '1'}

const formatVersion uint16 = 1
const headerSize = 36 // 4 magic + 2 version + 22 reserved + 8 total length lives at offset 20..28, padded to 36

const (
	tagNull byte = iota
	tagBool
	tagI32
	tagI64
	tagF64
	tagString
	tagArray
	tagObject
)

// Object preserves key order; it is the object-carrying counterpart of
// map[string]any which Go leaves unordered. Encoding and decoding walk
// Keys/Values in lockstep.
type Object struct {
	Keys   []string
	Values []any
}

func (o *Object) Set(key string, value any) {
	for i, k := range o.Keys {
		if k == key {
			o.Values[i] = value
			return
		}
	}
	o.Keys = append(o.Keys, key)
	o.Values = append(o.Values, value)
}

func (o *Object) Get(key string) (any, bool) {
	for i, k := range o.Keys {
		if k == key {
			return o.Values[i], true
		}
	}
	return nil, false
}

// Encode renders value (nil, bool, integer types, float64, string,
// []any, or *Object) to a UArr frame.
func Encode(value any) ([]byte, error) {
	bytes, _, err := EncodeWithNames(value)
	return bytes, err
}

// EncodeWithNames encodes value and additionally returns the name
// table (the set of distinct object keys encountered, in first-use
// order). Object keys are still written inline as strings in the
// frame itself: the frame does not refer to the table, and Decode
// does not take one.
func EncodeWithNames(value any) ([]byte, []string, error) {
	var body []byte
	names := newNameTable()
	if err := encodeValue(&body, names, value); err != nil {
		return nil, nil, err
	}

	total := headerSize + len(body)
	out := make([]byte, headerSize, total)
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], formatVersion)
	binary.LittleEndian.PutUint64(out[20:28], uint64(total))
	out = append(out, body...)
	return out, names.list, nil
}

type nameTable struct {
	index map[string]int
	list  []string
}

func newNameTable() *nameTable {
	return &nameTable{index: make(map[string]int)}
}

func (n *nameTable) intern(s string) {
	if _, ok := n.index[s]; ok {
		return
	}
	n.index[s] = len(n.list)
	n.list = append(n.list, s)
}

func encodeValue(buf *[]byte, names *nameTable, value any) error {
	switch v := value.(type) {
	case nil:
		*buf = append(*buf, tagNull)
	case bool:
		*buf = append(*buf, tagBool)
		if v {
			*buf = append(*buf, 1)
		} else {
			*buf = append(*buf, 0)
		}
	case int:
		return encodeInt(buf, int64(v))
	case int32:
		return encodeInt(buf, int64(v))
	case int64:
		return encodeInt(buf, v)
	case uint32:
		return encodeInt(buf, int64(v))
	case uint64:
		return encodeInt(buf, int64(v))
	case float32:
		encodeF64(buf, float64(v))
	case float64:
		encodeF64(buf, v)
	case string:
		encodeString(buf, v)
	case []any:
		*buf = append(*buf, tagArray)
		encodeUvarint(buf, uint64(len(v)))
		for _, el := range v {
			if err := encodeValue(buf, names, el); err != nil {
				return err
			}
		}
	case *Object:
		*buf = append(*buf, tagObject)
		encodeUvarint(buf, uint64(len(v.Keys)))
		for i, k := range v.Keys {
			names.intern(k)
			encodeString(buf, k)
			if err := encodeValue(buf, names, v.Values[i]); err != nil {
				return err
			}
		}
	default:
		return fxderr.New(fxderr.InvalidArgument, "uarr: unsupported value type")
	}
	return nil
}

func encodeInt(buf *[]byte, v int64) error {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		*buf = append(*buf, tagI32)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(int32(v)))
		*buf = append(*buf, tmp[:]...)
		return nil
	}
	*buf = append(*buf, tagI64)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	*buf = append(*buf, tmp[:]...)
	return nil
}

func encodeF64(buf *[]byte, v float64) {
	*buf = append(*buf, tagF64)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	*buf = append(*buf, tmp[:]...)
}

func encodeString(buf *[]byte, s string) {
	*buf = append(*buf, tagString)
	encodeUvarint(buf, uint64(len(s)))
	*buf = append(*buf, s...)
}

func encodeUvarint(buf *[]byte, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	*buf = append(*buf, tmp[:n]...)
}

// Decode is the exact inverse of Encode: decode(encode(v)) == v for
// every supported v (modulo numeric widening: all decoded integers
// surface as int64, all floats as float64).
func Decode(data []byte) (any, error) {
	if len(data) < headerSize {
		return nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated header")
	}
	if data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] || data[3] != magic[3] {
		return nil, fxderr.New(fxderr.InvalidFormat, "uarr: invalid magic")
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != formatVersion {
		return nil, fxderr.New(fxderr.InvalidFormat, "uarr: unsupported format version")
	}
	total := binary.LittleEndian.Uint64(data[20:28])
	if total > uint64(len(data)) {
		return nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated frame")
	}
	body := data[headerSize:total]
	value, rest, err := decodeValue(body)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fxderr.New(fxderr.InvalidFormat, "uarr: trailing bytes after value")
	}
	return value, nil
}

func decodeValue(b []byte) (any, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated tag")
	}
	tag := b[0]
	b = b[1:]
	switch tag {
	case tagNull:
		return nil, b, nil
	case tagBool:
		if len(b) < 1 {
			return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated bool")
		}
		return b[0] != 0, b[1:], nil
	case tagI32:
		if len(b) < 4 {
			return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated i32")
		}
		return int64(int32(binary.LittleEndian.Uint32(b[:4]))), b[4:], nil
	case tagI64:
		if len(b) < 8 {
			return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated i64")
		}
		return int64(binary.LittleEndian.Uint64(b[:8])), b[8:], nil
	case tagF64:
		if len(b) < 8 {
			return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated f64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b[:8])), b[8:], nil
	case tagString:
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		if uint64(len(rest)) < n {
			return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: truncated string")
		}
		return string(rest[:n]), rest[n:], nil
	case tagArray:
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		arr := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			var el any
			el, rest, err = decodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, el)
		}
		return arr, rest, nil
	case tagObject:
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		obj := &Object{}
		for i := uint64(0); i < n; i++ {
			var keyVal any
			keyVal, rest, err = decodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			key, ok := keyVal.(string)
			if !ok {
				return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: object key is not a string")
			}
			var v any
			v, rest, err = decodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			obj.Set(key, v)
		}
		return obj, rest, nil
	default:
		return nil, nil, fxderr.New(fxderr.InvalidFormat, "uarr: unknown tag")
	}
}

func decodeUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, fxderr.New(fxderr.InvalidFormat, "uarr: invalid varint")
	}
	return v, b[n:], nil
}
