package protocol

import "errors"

var (
	ErrOversizedNamespace = errors.New("protocol: namespace length cannot be greater than a u16")
	ErrOversizedData      = errors.New("protocol: data length cannot be greater than a u32")
	ErrMalformedInput     = errors.New("protocol: malformed input")
	ErrIO                 = errors.New("protocol: underlying io failure")
)
