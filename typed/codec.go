// SPDX-License-Identifier: AGPL3.0-or-later

package typed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"strconv"
)

// Serialization of application values exchanged between typed
// listeners. Top-level values can be strings, sized integers, byte
// slices, booleans or structs; struct fields can be any of these:
//
//    int{8,16,32,64}       -- signed integer of given size
//    uint{8,16,32,64}      -- unsigned integer of given size (little-endian)
//    []uint8               -- variable length byte array
//    string                -- variable length string (NUL-terminated)
//    *struct{}, struct{}   -- nested structure
//    []struct{}            -- list of structures
//
// Integer fields (of size > 1) can be tagged for big-endian
// representation with `order:"big"`. Variable-length slices carry a
// `size` tag telling decodeValue how many elements to read: "*" for
// greedy (until the buffer is exhausted), a decimal number, or the
// name of a previous integer field:
//
//     ListSize uint16
//     List     []Entry `size:"ListSize"`
//
// Platform-sized int/uint are rejected: their width differs between
// peers, which would break the wire format.

// Error codes for value (de)serialization.
var (
	ErrUnsupportedType = errors.New("typed: unsupported value type")
	ErrShortData       = errors.New("typed: not enough data for value")
	ErrBadSizeTag      = errors.New("typed: unresolvable size tag")
)

// encodeValue serializes a top-level application value.
func encodeValue(v any) ([]byte, error) {
	val := reflect.Indirect(reflect.ValueOf(v))
	buf := new(bytes.Buffer)
	if err := marshalTop(buf, val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValue deserializes data into obj, which must be a non-nil
// pointer to a value of the sent type. The whole buffer belongs to the
// value: outermost strings and byte slices are greedy.
func decodeValue(data []byte, obj any) error {
	ptr := reflect.ValueOf(obj)
	if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		return ErrUnsupportedType
	}
	_, err := unmarshalTop(data, ptr.Elem())
	return err
}

// marshalTop handles the outermost value: strings and byte slices are
// written raw (framing supplies their length), everything else defers
// to the field-level rules.
func marshalTop(buf *bytes.Buffer, val reflect.Value) error {
	switch val.Kind() {
	case reflect.String:
		buf.WriteString(val.String())
		return nil
	case reflect.Slice:
		if val.Type().Elem().Kind() == reflect.Uint8 {
			buf.Write(val.Bytes())
			return nil
		}
	case reflect.Struct:
		return marshalStruct(buf, val)
	}
	return marshalScalar(buf, val, binary.LittleEndian)
}

func unmarshalTop(data []byte, val reflect.Value) (int, error) {
	switch val.Kind() {
	case reflect.String:
		val.SetString(string(data))
		return len(data), nil
	case reflect.Slice:
		if val.Type().Elem().Kind() == reflect.Uint8 {
			val.SetBytes(append([]byte(nil), data...))
			return len(data), nil
		}
	case reflect.Struct:
		return unmarshalStruct(data, val)
	}
	return unmarshalScalar(data, val, binary.LittleEndian)
}

func orderOf(tag reflect.StructTag) binary.ByteOrder {
	if tag.Get("order") == "big" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func marshalScalar(buf *bytes.Buffer, val reflect.Value, order binary.ByteOrder) error {
	switch val.Kind() {
	case reflect.Bool:
		b := byte(0)
		if val.Bool() {
			b = 1
		}
		buf.WriteByte(b)
	case reflect.Int8:
		buf.WriteByte(byte(val.Int()))
	case reflect.Uint8:
		buf.WriteByte(byte(val.Uint()))
	case reflect.Int16, reflect.Uint16:
		var b [2]byte
		order.PutUint16(b[:], uint16(scalarBits(val)))
		buf.Write(b[:])
	case reflect.Int32, reflect.Uint32:
		var b [4]byte
		order.PutUint32(b[:], uint32(scalarBits(val)))
		buf.Write(b[:])
	case reflect.Int64, reflect.Uint64:
		var b [8]byte
		order.PutUint64(b[:], scalarBits(val))
		buf.Write(b[:])
	default:
		return ErrUnsupportedType
	}
	return nil
}

func scalarBits(val reflect.Value) uint64 {
	switch val.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(val.Int())
	default:
		return val.Uint()
	}
}

func unmarshalScalar(data []byte, val reflect.Value, order binary.ByteOrder) (int, error) {
	width := 0
	switch val.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		width = 1
	case reflect.Int16, reflect.Uint16:
		width = 2
	case reflect.Int32, reflect.Uint32:
		width = 4
	case reflect.Int64, reflect.Uint64:
		width = 8
	default:
		return 0, ErrUnsupportedType
	}
	if len(data) < width {
		return 0, ErrShortData
	}
	var bits uint64
	switch width {
	case 1:
		bits = uint64(data[0])
	case 2:
		bits = uint64(order.Uint16(data))
	case 4:
		bits = uint64(order.Uint32(data))
	case 8:
		bits = order.Uint64(data)
	}
	switch val.Kind() {
	case reflect.Bool:
		val.SetBool(bits != 0)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		shift := 64 - uint(8*width)
		val.SetInt(int64(bits<<shift) >> shift)
	default:
		val.SetUint(bits)
	}
	return width, nil
}

func marshalStruct(buf *bytes.Buffer, x reflect.Value) error {
	for i := 0; i < x.NumField(); i++ {
		f := x.Field(i)
		ft := x.Type().Field(i)
		// do not serialize unexported fields
		if !ft.IsExported() {
			continue
		}
		switch f.Kind() {
		case reflect.String:
			buf.WriteString(f.String())
			buf.WriteByte(0)
		case reflect.Bool, reflect.Int8, reflect.Uint8,
			reflect.Int16, reflect.Uint16,
			reflect.Int32, reflect.Uint32,
			reflect.Int64, reflect.Uint64:
			if err := marshalScalar(buf, f, orderOf(ft.Tag)); err != nil {
				return err
			}
		case reflect.Slice:
			if f.Type().Elem().Kind() == reflect.Uint8 {
				buf.Write(f.Bytes())
				continue
			}
			for j := 0; j < f.Len(); j++ {
				elem := f.Index(j)
				if elem.Kind() == reflect.Struct {
					if err := marshalStruct(buf, elem); err != nil {
						return err
					}
				} else if err := marshalScalar(buf, elem, orderOf(ft.Tag)); err != nil {
					return err
				}
			}
		case reflect.Struct:
			if err := marshalStruct(buf, f); err != nil {
				return err
			}
		case reflect.Ptr:
			if f.IsNil() || f.Elem().Kind() != reflect.Struct {
				return ErrUnsupportedType
			}
			if err := marshalStruct(buf, f.Elem()); err != nil {
				return err
			}
		default:
			return ErrUnsupportedType
		}
	}
	return nil
}

func unmarshalStruct(data []byte, x reflect.Value) (int, error) {
	pos := 0
	for i := 0; i < x.NumField(); i++ {
		f := x.Field(i)
		if !f.CanSet() {
			continue
		}
		ft := x.Type().Field(i)
		switch f.Kind() {
		case reflect.String:
			end := bytes.IndexByte(data[pos:], 0)
			if end < 0 {
				return pos, ErrShortData
			}
			f.SetString(string(data[pos : pos+end]))
			pos += end + 1
		case reflect.Bool, reflect.Int8, reflect.Uint8,
			reflect.Int16, reflect.Uint16,
			reflect.Int32, reflect.Uint32,
			reflect.Int64, reflect.Uint64:
			n, err := unmarshalScalar(data[pos:], f, orderOf(ft.Tag))
			if err != nil {
				return pos, err
			}
			pos += n
		case reflect.Slice:
			count, greedy, err := sliceSize(x, ft)
			if err != nil {
				return pos, err
			}
			if f.Type().Elem().Kind() == reflect.Uint8 {
				if greedy {
					count = len(data) - pos
				}
				if len(data)-pos < count {
					return pos, ErrShortData
				}
				f.SetBytes(append([]byte(nil), data[pos:pos+count]...))
				pos += count
				continue
			}
			out := reflect.MakeSlice(f.Type(), 0, 0)
			for j := 0; greedy && pos < len(data) || !greedy && j < count; j++ {
				elem := reflect.New(f.Type().Elem()).Elem()
				var n int
				if elem.Kind() == reflect.Struct {
					n, err = unmarshalStruct(data[pos:], elem)
				} else {
					n, err = unmarshalScalar(data[pos:], elem, orderOf(ft.Tag))
				}
				if err != nil {
					return pos, err
				}
				pos += n
				out = reflect.Append(out, elem)
			}
			f.Set(out)
		case reflect.Struct:
			n, err := unmarshalStruct(data[pos:], f)
			if err != nil {
				return pos, err
			}
			pos += n
		case reflect.Ptr:
			if f.Type().Elem().Kind() != reflect.Struct {
				return pos, ErrUnsupportedType
			}
			elem := reflect.New(f.Type().Elem())
			n, err := unmarshalStruct(data[pos:], elem.Elem())
			if err != nil {
				return pos, err
			}
			f.Set(elem)
			pos += n
		default:
			return pos, ErrUnsupportedType
		}
	}
	return pos, nil
}

// sliceSize resolves a field's `size` tag: "*" (or no tag) for greedy,
// a decimal literal, or the name of a previously decoded integer field.
func sliceSize(x reflect.Value, ft reflect.StructField) (count int, greedy bool, err error) {
	tag := ft.Tag.Get("size")
	switch {
	case tag == "" || tag == "*":
		return 0, true, nil
	case tag[0] >= '0' && tag[0] <= '9':
		count, err = strconv.Atoi(tag)
		if err != nil {
			return 0, false, ErrBadSizeTag
		}
		return count, false, nil
	default:
		ref := x.FieldByName(tag)
		if !ref.IsValid() {
			return 0, false, ErrBadSizeTag
		}
		switch ref.Kind() {
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return int(ref.Int()), false, nil
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int(ref.Uint()), false, nil
		}
		return 0, false, ErrBadSizeTag
	}
}
