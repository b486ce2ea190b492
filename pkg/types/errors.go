package types

import "errors"

// Scalar conversion errors
var (
	// ErrUnknownType is returned for a type tag outside the supported set
	ErrUnknownType = errors.New("unknown scalar type")

	// ErrInvalidValue is returned when a value cannot be parsed as its declared type
	ErrInvalidValue = errors.New("invalid scalar value")

	// ErrUnsupportedValue is returned when a Go value has no scalar representation
	ErrUnsupportedValue = errors.New("unsupported scalar value")
)

// Schema errors
var (
	// ErrEmptySchema is returned when a partition schema declares no keys
	ErrEmptySchema = errors.New("partition schema has no keys")

	// ErrInvalidKeyName is returned for empty names or names containing '=' or '/'
	ErrInvalidKeyName = errors.New("invalid partition key name")

	// ErrDuplicateKey is returned when a key name is declared twice
	ErrDuplicateKey = errors.New("duplicate partition key")
)
