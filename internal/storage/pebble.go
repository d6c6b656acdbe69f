package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
)

const (
	// defaultSyncInterval is the interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	slotKeyPrefix = "slot/"
)

var errCorruptRecord = errors.New("corrupt slot record")

// PebbleBackend stores zstd-compressed slot records in a Pebble database.
// Writes are NoSync and a background goroutine syncs the WAL periodically.
type PebbleBackend struct {
	db          *pebble.DB
	stopSync    chan struct{}
	wg          sync.WaitGroup
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewPebbleBackend opens (or creates) a slot database at path.
func NewPebbleBackend(path string) (*PebbleBackend, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	b := &PebbleBackend{
		db:       db,
		stopSync: make(chan struct{}),
	}
	b.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	b.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	b.startSyncLoop()
	return b, nil
}

// Get returns the slot, or nil if absent.
func (b *PebbleBackend) Get(storageIndex []byte, shnum int) (*Slot, error) {
	value, closer, err := b.db.Get(slotKey(storageIndex, shnum))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()

	return b.decodeSlot(value)
}

// List returns the share numbers held for a storage index in ascending order.
func (b *PebbleBackend) List(storageIndex []byte) ([]int, error) {
	prefix := slotPrefix(storageIndex)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var out []int
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+2 {
			continue
		}
		out = append(out, int(binary.BigEndian.Uint16(key[len(prefix):])))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Ints(out)
	return out, nil
}

// Commit writes all changes in a single batch.
func (b *PebbleBackend) Commit(storageIndex []byte, changes map[int]*Slot) error {
	batch := b.db.NewBatch()
	defer func() { _ = batch.Close() }()

	for shnum, slot := range changes {
		key := slotKey(storageIndex, shnum)
		if slot == nil {
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := batch.Set(key, b.encodeSlot(slot), nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// Close stops the sync goroutine and closes the database after a final sync.
func (b *PebbleBackend) Close() error {
	close(b.stopSync)
	b.wg.Wait()

	if err := b.sync(); err != nil {
		return err
	}
	return b.db.Close()
}

func (b *PebbleBackend) startSyncLoop() {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = b.sync()
			case <-b.stopSync:
				return
			}
		}
	}()
}

func (b *PebbleBackend) sync() error {
	return b.db.LogData(nil, pebble.Sync)
}

// Record layout before compression: three length-prefixed secrets, then data.
func (b *PebbleBackend) encodeSlot(slot *Slot) []byte {
	raw := make([]byte, 0, 3+len(slot.WriteEnabler)+len(slot.RenewSecret)+len(slot.CancelSecret)+len(slot.Data))
	for _, secret := range [][]byte{slot.WriteEnabler, slot.RenewSecret, slot.CancelSecret} {
		raw = append(raw, byte(len(secret)))
		raw = append(raw, secret...)
	}
	raw = append(raw, slot.Data...)

	enc := b.encoderPool.Get().(*zstd.Encoder)
	defer b.encoderPool.Put(enc)
	return enc.EncodeAll(raw, nil)
}

func (b *PebbleBackend) decodeSlot(value []byte) (*Slot, error) {
	dec := b.decoderPool.Get().(*zstd.Decoder)
	defer b.decoderPool.Put(dec)

	raw, err := dec.DecodeAll(value, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress slot: %w", err)
	}

	var secrets [3][]byte
	for i := range secrets {
		if len(raw) < 1 {
			return nil, errCorruptRecord
		}
		n := int(raw[0])
		if len(raw) < 1+n {
			return nil, errCorruptRecord
		}
		secrets[i] = append([]byte(nil), raw[1:1+n]...)
		raw = raw[1+n:]
	}

	return &Slot{
		WriteEnabler: secrets[0],
		RenewSecret:  secrets[1],
		CancelSecret: secrets[2],
		Data:         append([]byte(nil), raw...),
	}, nil
}

func slotPrefix(storageIndex []byte) []byte {
	prefix := make([]byte, 0, len(slotKeyPrefix)+len(storageIndex))
	prefix = append(prefix, slotKeyPrefix...)
	return append(prefix, storageIndex...)
}

func slotKey(storageIndex []byte, shnum int) []byte {
	key := slotPrefix(storageIndex)
	return binary.BigEndian.AppendUint16(key, uint16(shnum))
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan, or nil
// if the prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}
