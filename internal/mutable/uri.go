package mutable

import (
	"fmt"
	"strings"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

const (
	writeCapPrefix = "URI:SSK:"
	readCapPrefix  = "URI:SSK-RO:"
)

// Cap is a parsed mutable-file capability. A write cap carries the write key;
// a read cap carries only the read key.
type Cap struct {
	WriteKey    []byte
	ReadKey     []byte
	Fingerprint []byte
}

// ParseCap parses "URI:SSK:<writekey>:<fingerprint>" or
// "URI:SSK-RO:<readkey>:<fingerprint>".
func ParseCap(s string) (*Cap, error) {
	var (
		rest     string
		readOnly bool
	)
	switch {
	case strings.HasPrefix(s, readCapPrefix):
		rest = strings.TrimPrefix(s, readCapPrefix)
		readOnly = true
	case strings.HasPrefix(s, writeCapPrefix):
		rest = strings.TrimPrefix(s, writeCapPrefix)
	default:
		return nil, fmt.Errorf("%w: unknown prefix", ErrInvalidCap)
	}

	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: want 2 fields, got %d", ErrInvalidCap, len(parts))
	}
	key, err := hashutil.A2B(parts[0])
	if err != nil || len(key) != hashutil.KeyLen {
		return nil, fmt.Errorf("%w: bad key", ErrInvalidCap)
	}
	fp, err := hashutil.A2B(parts[1])
	if err != nil || len(fp) != hashutil.HashLen {
		return nil, fmt.Errorf("%w: bad fingerprint", ErrInvalidCap)
	}

	if readOnly {
		return &Cap{ReadKey: key, Fingerprint: fp}, nil
	}
	return &Cap{WriteKey: key, ReadKey: hashutil.ReadKey(key), Fingerprint: fp}, nil
}

// IsReadOnly reports whether the cap lacks the write key.
func (c *Cap) IsReadOnly() bool { return len(c.WriteKey) == 0 }

// ReadOnly returns the read cap for this file.
func (c *Cap) ReadOnly() *Cap {
	return &Cap{ReadKey: c.ReadKey, Fingerprint: c.Fingerprint}
}

// StorageIndex derives the storage index.
func (c *Cap) StorageIndex() []byte { return hashutil.StorageIndex(c.ReadKey) }

func (c *Cap) String() string {
	if c.IsReadOnly() {
		return readCapPrefix + hashutil.B2A(c.ReadKey) + ":" + hashutil.B2A(c.Fingerprint)
	}
	return writeCapPrefix + hashutil.B2A(c.WriteKey) + ":" + hashutil.B2A(c.Fingerprint)
}
