package storage

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

const (
	// MaxShnum is the largest share number a slot can hold.
	MaxShnum = 255
	// MaxSlotSize bounds the length of a single stored share.
	MaxSlotSize int64 = 69105 * 1000
)

var (
	// ErrBadWriteEnabler is returned when a write presents a write enabler that
	// differs from the one recorded on an existing share of the slot.
	ErrBadWriteEnabler = errors.New("bad write enabler")
	// ErrInvalidOperator is returned for a test vector with an unknown operator.
	ErrInvalidOperator = errors.New("invalid test vector operator")
	// ErrInvalidVector is returned for negative or overflowing offsets and
	// lengths, writes past MaxSlotSize and share numbers outside [0, MaxShnum].
	ErrInvalidVector = errors.New("invalid vector")
)

// Operator compares the bytes read from a slot against a specimen.
type Operator string

// Test vector operators.
const (
	OpLT Operator = "lt"
	OpLE Operator = "le"
	OpEQ Operator = "eq"
	OpNE Operator = "ne"
	OpGE Operator = "ge"
	OpGT Operator = "gt"
)

// Compare evaluates "actual op specimen" lexicographically.
func (op Operator) Compare(actual, specimen []byte) (bool, error) {
	c := bytes.Compare(actual, specimen)
	switch op {
	case OpLT:
		return c < 0, nil
	case OpLE:
		return c <= 0, nil
	case OpEQ:
		return c == 0, nil
	case OpNE:
		return c != 0, nil
	case OpGE:
		return c >= 0, nil
	case OpGT:
		return c > 0, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidOperator, string(op))
	}
}

// ReadVector is one (offset, length) range.
type ReadVector struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// TestVector requires that the slot bytes at [Offset, Offset+Length) satisfy
// Op against Specimen. A missing share reads as empty.
type TestVector struct {
	Offset   int64    `json:"offset"`
	Length   int64    `json:"length"`
	Op       Operator `json:"op"`
	Specimen []byte   `json:"specimen"`
}

// EmptySlotTest is the test vector that only passes on an empty or missing share.
func EmptySlotTest() TestVector {
	return TestVector{Offset: 0, Length: 1, Op: OpEQ, Specimen: []byte{}}
}

// WriteVector writes Data at Offset, zero-filling any gap.
type WriteVector struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// TestAndWriteVectors is the per-share part of a test-and-set request.
// A NewLength of zero deletes the share.
type TestAndWriteVectors struct {
	Tests     []TestVector  `json:"tests"`
	Writes    []WriteVector `json:"writes"`
	NewLength *int64        `json:"new_length,omitempty"`
}

// Secrets authorize writes and lease operations on a slot.
type Secrets struct {
	WriteEnabler []byte `json:"write_enabler"`
	RenewSecret  []byte `json:"renew_secret"`
	CancelSecret []byte `json:"cancel_secret"`
}

// ReadData maps share number to one byte string per read vector.
type ReadData map[int][][]byte

// Slot is one stored mutable share.
type Slot struct {
	WriteEnabler []byte
	RenewSecret  []byte
	CancelSecret []byte
	Data         []byte
}

func (s *Slot) clone() *Slot {
	if s == nil {
		return nil
	}
	return &Slot{
		WriteEnabler: append([]byte(nil), s.WriteEnabler...),
		RenewSecret:  append([]byte(nil), s.RenewSecret...),
		CancelSecret: append([]byte(nil), s.CancelSecret...),
		Data:         append([]byte(nil), s.Data...),
	}
}

// rangeOK reports whether [offset, offset+length) is non-negative and does
// not overflow.
func rangeOK(offset, length int64) bool {
	return offset >= 0 && length >= 0 && offset <= math.MaxInt64-length
}

// readRange returns data[offset:offset+length] clipped to the data.
func readRange(data []byte, offset, length int64) []byte {
	size := int64(len(data))
	if offset >= size {
		return []byte{}
	}
	end := size
	if length < size-offset {
		end = offset + length
	}
	return append([]byte{}, data[offset:end]...)
}

func writeAt(data []byte, offset int64, chunk []byte) []byte {
	end := offset + int64(len(chunk))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:], chunk)
	return data
}

func resize(data []byte, length int64) []byte {
	if length <= int64(len(data)) {
		return data[:length]
	}
	grown := make([]byte, length)
	copy(grown, data)
	return grown
}
