package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Encode serializes a value to canonical bencode. Accepted types are
// string, []byte, the signed and unsigned integer kinds, []interface{},
// and map[string]interface{}. Any other type is an error.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case string:
		encodeString(buf, val)
	case []byte:
		encodeString(buf, string(val))
	case int:
		encodeInt(buf, int64(val))
	case int32:
		encodeInt(buf, int64(val))
	case int64:
		encodeInt(buf, val)
	case uint16:
		encodeInt(buf, int64(val))
	case uint32:
		encodeInt(buf, int64(val))
	case uint64:
		if val > 1<<63-1 {
			return fmt.Errorf("bencode: uint64 %d overflows integer", val)
		}
		encodeInt(buf, int64(val))
	case []interface{}:
		buf.WriteByte('l')
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]interface{}:
		return encodeDict(buf, val)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}

func encodeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
}

// encodeDict emits keys sorted lexicographically as raw bytes, which is
// the canonical form the rest of the network hashes against.
func encodeDict(buf *bytes.Buffer, dict map[string]interface{}) error {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('d')
	for _, k := range keys {
		encodeString(buf, k)
		if err := encodeValue(buf, dict[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}
