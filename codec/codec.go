// Package codec provides serialization for structured message payloads.
//
// Stream records are flat string field mappings. When a record carries a
// structured document it travels in a single field, encoded with one of the
// codecs provided here. JSON is the default; MessagePack is available for
// producers that prefer a compact binary form.
package codec

import (
	"errors"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode payload")
	ErrDecodeFailure = errors.New("failed to decode payload")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Codec serializes structured payload documents.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Marshal serializes a value to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into the given value.
	// Returns ErrDecodeFailure if deserialization fails.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under the given name.
// An empty name selects the default codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	}
	return nil, errors.Join(ErrUnknownCodec, errors.New(name))
}
