package bencode

// Decode parses a single bencoded value occupying the whole input. Input
// with bytes remaining after the value is rejected.
func Decode(data []byte) (interface{}, error) {
	v, n, err := decodeValue(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, syntaxErr(n, "trailing garbage after value")
	}
	return v, nil
}

// DecodePrefix parses a single bencoded value from the front of the input
// and returns it along with the number of bytes consumed. The remainder of
// the input is untouched; BEP 9 data messages append a binary payload
// directly after the bencoded dictionary, which is why this exists.
func DecodePrefix(data []byte) (interface{}, int, error) {
	return decodeValue(data, 0)
}

func decodeValue(data []byte, pos int) (interface{}, int, error) {
	if pos >= len(data) {
		return nil, pos, syntaxErr(pos, "unexpected end of input")
	}
	switch c := data[pos]; {
	case c >= '0' && c <= '9':
		return decodeString(data, pos)
	case c == 'i':
		return decodeInt(data, pos)
	case c == 'l':
		return decodeList(data, pos)
	case c == 'd':
		return decodeDict(data, pos)
	default:
		return nil, pos, syntaxErr(pos, "unexpected byte %q", c)
	}
}

func decodeString(data []byte, pos int) (string, int, error) {
	start := pos
	n := 0
	for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		digit := int(data[pos] - '0')
		if n > (1<<31-1-digit)/10 {
			return "", pos, syntaxErr(start, "string length overflow")
		}
		n = n*10 + digit
		pos++
	}
	if pos == start {
		return "", pos, syntaxErr(pos, "expected string length")
	}
	if data[start] == '0' && pos-start > 1 {
		return "", start, syntaxErr(start, "string length has leading zero")
	}
	if pos >= len(data) || data[pos] != ':' {
		return "", pos, syntaxErr(pos, "expected ':' after string length")
	}
	pos++
	if pos+n > len(data) {
		return "", pos, syntaxErr(pos, "string shorter than declared length %d", n)
	}
	return string(data[pos : pos+n]), pos + n, nil
}

func decodeInt(data []byte, pos int) (int64, int, error) {
	start := pos
	pos++ // 'i'
	end := pos
	for end < len(data) && data[end] != 'e' {
		end++
	}
	if end >= len(data) {
		return 0, end, syntaxErr(start, "unterminated integer")
	}
	digits := data[pos:end]
	if len(digits) == 0 {
		return 0, start, syntaxErr(start, "empty integer")
	}
	neg := false
	if digits[0] == '-' {
		neg = true
		digits = digits[1:]
		if len(digits) == 0 {
			return 0, start, syntaxErr(start, "integer with sign only")
		}
	}
	if digits[0] == '0' && (len(digits) > 1 || neg) {
		// covers both leading zeros and "-0"
		return 0, start, syntaxErr(start, "non-canonical integer")
	}
	var n int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, start, syntaxErr(start, "non-digit %q in integer", c)
		}
		digit := int64(c - '0')
		if n > (1<<63-1-digit)/10 {
			return 0, start, syntaxErr(start, "integer overflow")
		}
		n = n*10 + digit
	}
	if neg {
		n = -n
	}
	return n, end + 1, nil
}

func decodeList(data []byte, pos int) ([]interface{}, int, error) {
	start := pos
	pos++ // 'l'
	list := make([]interface{}, 0, 4)
	for {
		if pos >= len(data) {
			return nil, pos, syntaxErr(start, "unterminated list")
		}
		if data[pos] == 'e' {
			return list, pos + 1, nil
		}
		v, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, next, err
		}
		list = append(list, v)
		pos = next
	}
}

// decodeDict accepts keys in any order (real-world peers emit unsorted
// dictionaries) but rejects duplicates outright.
func decodeDict(data []byte, pos int) (map[string]interface{}, int, error) {
	start := pos
	pos++ // 'd'
	dict := make(map[string]interface{}, 4)
	for {
		if pos >= len(data) {
			return nil, pos, syntaxErr(start, "unterminated dictionary")
		}
		if data[pos] == 'e' {
			return dict, pos + 1, nil
		}
		key, next, err := decodeString(data, pos)
		if err != nil {
			return nil, next, err
		}
		if _, dup := dict[key]; dup {
			return nil, pos, syntaxErr(pos, "duplicate dictionary key %q", key)
		}
		pos = next
		v, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, next, err
		}
		dict[key] = v
		pos = next
	}
}
