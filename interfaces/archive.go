package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ContentID is the SHA-256 hash of an archived record.
type ContentID [32]byte

// ComputeID calculates the content ID of data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// NewContentIDFromHex parses a 64 character hex content ID, with or
// without 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return ContentID(b), nil
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the ID as hex.
func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex ID.
func (id *ContentID) UnmarshalText(b []byte) error {
	parsed, err := NewContentIDFromHex(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var (
	// ErrContentNotFound is returned when requested content is not in the archive.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when an archive backend is not accessible.
	ErrBackendUnavailable = errors.New("archive backend unavailable")

	// ErrInvalidLocationURI is returned when an archive location URI is malformed or unsupported.
	// URIs follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid archive location URI")
)

// ArchiveBackend provides content-addressed storage for records of ended
// sessions.
type ArchiveBackend interface {
	// Fetch retrieves data by content ID.
	Fetch(ctx context.Context, id ContentID) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend, with credentials
	// redacted.
	LocationURI() string
}
