package bencode

import (
	"errors"
	"fmt"
)

// ErrMalformed is the sentinel all decode errors unwrap to.
var ErrMalformed = errors.New("malformed bencode")

// SyntaxError describes a decode failure at a byte offset in the input.
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed bencode at offset %d: %s", e.Offset, e.Reason)
}

func (e *SyntaxError) Unwrap() error {
	return ErrMalformed
}

func syntaxErr(offset int, format string, args ...interface{}) error {
	return &SyntaxError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
