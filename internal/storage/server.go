// Package storage implements the storage-server side of the mutable slot
// protocol: atomic test-and-set writes and ranged reads over share slots.
package storage

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// Backend persists slots. Commit applies every change or none; a nil slot
// deletes the share.
type Backend interface {
	Get(storageIndex []byte, shnum int) (*Slot, error)
	List(storageIndex []byte) ([]int, error)
	Commit(storageIndex []byte, changes map[int]*Slot) error
	Close() error
}

// ServerConfig holds configuration for a storage server.
type ServerConfig struct {
	NodeID  string
	Backend Backend
	Logger  zerolog.Logger
	Metrics *Metrics
}

// Server evaluates slot operations against a backend. Each operation is
// atomic with respect to every other operation on the same server.
type Server struct {
	nodeID  string
	backend Backend
	logger  zerolog.Logger
	metrics *Metrics
	mu      sync.Mutex
}

// NewServer creates a storage server. A nil backend selects an in-memory one.
func NewServer(config ServerConfig) *Server {
	backend := config.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Server{
		nodeID:  config.NodeID,
		backend: backend,
		metrics: config.Metrics,
		logger:  config.Logger.With().Str("component", "storage-server").Str("node", hashutil.ShortID(config.NodeID)).Logger(),
	}
}

// NodeID returns the server's identifier.
func (s *Server) NodeID() string { return s.nodeID }

// Close releases the backend.
func (s *Server) Close() error { return s.backend.Close() }

// SlotReadv reads the given ranges from the requested shares. An empty shnums
// list selects every share held for the storage index.
func (s *Server) SlotReadv(ctx context.Context, storageIndex []byte, shnums []int, readv []ReadVector) (ReadData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkReadVectors(readv); err != nil {
		s.metrics.recordRead("rejected")
		return nil, err
	}
	for _, shnum := range shnums {
		if err := checkShnum(shnum); err != nil {
			s.metrics.recordRead("rejected")
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(shnums) == 0 {
		all, err := s.backend.List(storageIndex)
		if err != nil {
			return nil, fmt.Errorf("list shares: %w", err)
		}
		shnums = all
	}

	out := make(ReadData, len(shnums))
	for _, shnum := range shnums {
		slot, err := s.backend.Get(storageIndex, shnum)
		if err != nil {
			return nil, fmt.Errorf("read share %d: %w", shnum, err)
		}
		if slot == nil {
			continue
		}
		out[shnum] = readAll(slot.Data, readv)
	}
	s.metrics.recordRead("ok")
	return out, nil
}

// SlotTestvAndReadvAndWritev evaluates every test vector; if all pass it applies
// every write. The read vector is served for all existing shares from the
// state before any write. It returns whether the writes were applied.
func (s *Server) SlotTestvAndReadvAndWritev(ctx context.Context, storageIndex []byte, secrets Secrets,
	tw map[int]TestAndWriteVectors, readv []ReadVector) (bool, ReadData, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if err := checkReadVectors(readv); err != nil {
		s.metrics.recordWrite("rejected")
		return false, nil, err
	}
	if err := checkWriteVectors(tw); err != nil {
		s.metrics.recordWrite("rejected")
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadAll(storageIndex)
	if err != nil {
		return false, nil, err
	}

	for shnum, slot := range existing {
		if subtle.ConstantTimeCompare(slot.WriteEnabler, secrets.WriteEnabler) != 1 {
			s.logger.Warn().
				Str("si", hashutil.SIPrefix(storageIndex)).
				Int("shnum", shnum).
				Msg("write enabler mismatch")
			s.metrics.recordWrite("bad_write_enabler")
			return false, nil, fmt.Errorf("%w: share %d of %s", ErrBadWriteEnabler, shnum, hashutil.SIPrefix(storageIndex))
		}
	}

	readBack := make(ReadData, len(existing))
	for shnum, slot := range existing {
		readBack[shnum] = readAll(slot.Data, readv)
	}

	for shnum, vecs := range tw {
		var data []byte
		if slot, ok := existing[shnum]; ok {
			data = slot.Data
		}
		for _, tv := range vecs.Tests {
			ok, err := tv.Op.Compare(readRange(data, tv.Offset, tv.Length), tv.Specimen)
			if err != nil {
				s.metrics.recordWrite("rejected")
				return false, nil, err
			}
			if !ok {
				s.logger.Debug().
					Str("si", hashutil.SIPrefix(storageIndex)).
					Int("shnum", shnum).
					Str("op", string(tv.Op)).
					Msg("test vector failed")
				s.metrics.recordWrite("test_failed")
				return false, readBack, nil
			}
		}
	}

	changes := make(map[int]*Slot)
	for _, shnum := range sortedShnums(tw) {
		vecs := tw[shnum]
		slot := existing[shnum].clone()
		if len(vecs.Writes) == 0 && vecs.NewLength == nil {
			continue
		}
		if slot == nil {
			if len(vecs.Writes) == 0 {
				continue
			}
			slot = &Slot{WriteEnabler: append([]byte(nil), secrets.WriteEnabler...)}
		}
		slot.RenewSecret = append([]byte(nil), secrets.RenewSecret...)
		slot.CancelSecret = append([]byte(nil), secrets.CancelSecret...)
		for _, wv := range vecs.Writes {
			slot.Data = writeAt(slot.Data, wv.Offset, wv.Data)
		}
		if vecs.NewLength != nil {
			if *vecs.NewLength == 0 {
				changes[shnum] = nil
				continue
			}
			slot.Data = resize(slot.Data, *vecs.NewLength)
		}
		changes[shnum] = slot
	}

	if len(changes) > 0 {
		if err := s.backend.Commit(storageIndex, changes); err != nil {
			s.metrics.recordWrite("error")
			return false, nil, fmt.Errorf("commit slot changes: %w", err)
		}
	}

	s.logger.Debug().
		Str("si", hashutil.SIPrefix(storageIndex)).
		Int("shares", len(changes)).
		Msg("slot writes applied")
	s.metrics.recordWrite("applied")
	s.metrics.recordShares(len(changes))
	return true, readBack, nil
}

func (s *Server) loadAll(storageIndex []byte) (map[int]*Slot, error) {
	shnums, err := s.backend.List(storageIndex)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	out := make(map[int]*Slot, len(shnums))
	for _, shnum := range shnums {
		slot, err := s.backend.Get(storageIndex, shnum)
		if err != nil {
			return nil, fmt.Errorf("read share %d: %w", shnum, err)
		}
		if slot != nil {
			out[shnum] = slot
		}
	}
	return out, nil
}

func readAll(data []byte, readv []ReadVector) [][]byte {
	out := make([][]byte, len(readv))
	for i, rv := range readv {
		out[i] = readRange(data, rv.Offset, rv.Length)
	}
	return out
}

func checkShnum(shnum int) error {
	if shnum < 0 || shnum > MaxShnum {
		return fmt.Errorf("%w: share number %d", ErrInvalidVector, shnum)
	}
	return nil
}

func checkReadVectors(readv []ReadVector) error {
	for _, rv := range readv {
		if !rangeOK(rv.Offset, rv.Length) {
			return fmt.Errorf("%w: read at %d+%d", ErrInvalidVector, rv.Offset, rv.Length)
		}
	}
	return nil
}

func checkWriteVectors(tw map[int]TestAndWriteVectors) error {
	for shnum, vecs := range tw {
		if err := checkShnum(shnum); err != nil {
			return err
		}
		for _, tv := range vecs.Tests {
			if !rangeOK(tv.Offset, tv.Length) {
				return fmt.Errorf("%w: share %d test at %d+%d", ErrInvalidVector, shnum, tv.Offset, tv.Length)
			}
		}
		for _, wv := range vecs.Writes {
			if !rangeOK(wv.Offset, int64(len(wv.Data))) || wv.Offset+int64(len(wv.Data)) > MaxSlotSize {
				return fmt.Errorf("%w: share %d write of %d bytes at %d", ErrInvalidVector, shnum, len(wv.Data), wv.Offset)
			}
		}
		if vecs.NewLength != nil && (*vecs.NewLength < 0 || *vecs.NewLength > MaxSlotSize) {
			return fmt.Errorf("%w: share %d new length %d", ErrInvalidVector, shnum, *vecs.NewLength)
		}
	}
	return nil
}

func sortedShnums(tw map[int]TestAndWriteVectors) []int {
	out := make([]int, 0, len(tw))
	for shnum := range tw {
		out = append(out, shnum)
	}
	sort.Ints(out)
	return out
}
