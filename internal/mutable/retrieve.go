package mutable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/sharegrid/internal/codec"
	"github.com/tunnelmesh/sharegrid/internal/hashtree"
	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

var errRetrieveUsed = errors.New("retrieve already used")

type fetchResult struct {
	loc     ShareLocation
	data    storage.ReadData
	err     error
	started time.Time
}

// Retrieve downloads one version recorded in a servermap. It fetches k shares
// at a time, validates each against the signed root hash, and replaces bad
// shares from other locations until k valid blocks are held or no candidates
// remain. A Retrieve is single-use.
type Retrieve struct {
	node    *FileNode
	sm      *ServerMap
	version VersionInfo
	cfg     Config
	logger  zerolog.Logger
	status  *RetrieveStatus

	used    bool
	running bool

	candidates  []ShareLocation
	outstanding map[int]ShareLocation // by shnum
	blocks      map[int][]byte
	badPeers    map[string]bool
	shareTree   *hashtree.IncompleteHashTree
	lastFailure error

	results chan fetchResult
	done    chan struct{}
}

// NewRetrieve prepares a download of version v using the locations in sm.
func NewRetrieve(node *FileNode, sm *ServerMap, v VersionInfo) *Retrieve {
	status := &RetrieveStatus{Version: v}
	status.init(node.StorageIndex())
	cfg := node.cfg
	return &Retrieve{
		node:    node,
		sm:      sm,
		version: v,
		cfg:     cfg,
		status:  status,
		logger: cfg.Logger.With().
			Str("component", "retrieve").
			Str("si", hashutil.SIPrefix(node.StorageIndex())).
			Str("op", status.ID()).
			Str("version", v.ShortString()).
			Logger(),
		outstanding: make(map[int]ShareLocation),
		blocks:      make(map[int][]byte),
		badPeers:    make(map[string]bool),
		results:     make(chan fetchResult),
		done:        make(chan struct{}),
	}
}

// Status returns the live status of this retrieve.
func (r *Retrieve) Status() *RetrieveStatus { return r.status }

// Download fetches, validates, decodes and decrypts the version.
func (r *Retrieve) Download(ctx context.Context) ([]byte, *RetrieveStatus, error) {
	if r.used {
		return nil, r.status, errRetrieveUsed
	}
	r.used = true

	data, err := r.run(ctx)
	if err != nil {
		r.status.finish("Failed")
		r.cfg.Metrics.recordRetrieve("error")
		r.logger.Warn().Err(err).Msg("retrieve failed")
		return nil, r.status, err
	}
	r.status.setProgress(1.0)
	r.status.finish("Finished")
	r.cfg.Metrics.recordRetrieve("success")
	r.logger.Debug().Int("bytes", len(data)).Msg("retrieve done")
	return data, r.status, nil
}

func (r *Retrieve) run(ctx context.Context) ([]byte, error) {
	v := r.version
	locs, ok := r.sm.VersionGroups()[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, v.ShortString())
	}
	if v.K < 1 || v.N < v.K {
		return nil, fmt.Errorf("%w: bad encoding parameters k=%d N=%d", ErrCorruptShare, v.K, v.N)
	}
	r.candidates = locs

	r.shareTree = hashtree.NewIncomplete(v.N)
	if _, err := r.shareTree.SetHashes(map[int][]byte{0: v.RootHash[:]}, nil, false); err != nil {
		return nil, err
	}

	fetchStarted := time.Now()
	r.running = true
	defer close(r.done)

	if err := r.activate(ctx); err != nil {
		r.running = false
		return nil, err
	}
	for r.running && len(r.blocks) < v.K {
		select {
		case res := <-r.results:
			r.handle(res)
			if err := r.activate(ctx); err != nil {
				r.running = false
				return nil, err
			}
		case <-ctx.Done():
			r.running = false
			return nil, ctx.Err()
		}
	}
	r.running = false
	r.status.setTiming("fetch", time.Since(fetchStarted))

	decodeStarted := time.Now()
	data, err := r.decode()
	if err != nil {
		return nil, err
	}
	r.status.setTiming("decode", time.Since(decodeStarted))
	return data, nil
}

// activate keeps k distinct share numbers either held or in flight.
func (r *Retrieve) activate(ctx context.Context) error {
	k := r.version.K
	for len(r.blocks) < k && len(r.blocks)+len(r.outstanding) < k {
		loc, ok := r.nextCandidate()
		if !ok {
			break
		}
		r.fetch(ctx, loc)
	}
	if len(r.blocks) >= k || len(r.outstanding) > 0 {
		r.status.setProgress(float64(len(r.blocks)) / float64(k))
		return nil
	}
	err := fmt.Errorf("%w: got %d of %d needed shares of %s", ErrNotEnoughShares, len(r.blocks), k, r.version.ShortString())
	if r.lastFailure != nil {
		err = fmt.Errorf("%w; last failure: %v", err, r.lastFailure)
	}
	return err
}

func (r *Retrieve) nextCandidate() (ShareLocation, bool) {
	for len(r.candidates) > 0 {
		loc := r.candidates[0]
		r.candidates = r.candidates[1:]
		if r.badPeers[loc.Peer] {
			continue
		}
		if _, have := r.blocks[loc.Shnum]; have {
			continue
		}
		if _, busy := r.outstanding[loc.Shnum]; busy {
			// another location may still be needed if this one fails
			r.candidates = append(r.candidates, loc)
			if r.onlyBusyLeft() {
				return ShareLocation{}, false
			}
			continue
		}
		return loc, true
	}
	return ShareLocation{}, false
}

func (r *Retrieve) onlyBusyLeft() bool {
	for _, loc := range r.candidates {
		if _, busy := r.outstanding[loc.Shnum]; !busy {
			return false
		}
	}
	return true
}

func (r *Retrieve) fetch(ctx context.Context, loc ShareLocation) {
	r.outstanding[loc.Shnum] = loc
	server, ok := r.sm.Connection(loc.Peer)
	if !ok {
		go r.deliver(fetchResult{loc: loc, err: errors.New("no connection to peer"), started: time.Now()})
		return
	}
	si := r.node.StorageIndex()
	readv := []storage.ReadVector{{Offset: 0, Length: int64(r.version.Offsets.EOF)}}
	timeout := r.cfg.QueryTimeout
	go func() {
		started := time.Now()
		qctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		data, err := server.SlotReadv(qctx, si, []int{loc.Shnum}, readv)
		r.deliver(fetchResult{loc: loc, data: data, err: err, started: started})
	}()
}

func (r *Retrieve) deliver(res fetchResult) {
	select {
	case r.results <- res:
	case <-r.done:
	}
}

func (r *Retrieve) handle(res fetchResult) {
	delete(r.outstanding, res.loc.Shnum)
	r.status.addServerTime(res.loc.Peer, time.Since(res.started))

	if res.err != nil {
		r.badPeers[res.loc.Peer] = true
		r.lastFailure = &PeerError{Peer: res.loc.Peer, Op: "share fetch", Err: res.err}
		r.sm.AddProblem(r.lastFailure)
		r.logger.Warn().Err(res.err).Str("peer", hashutil.ShortID(res.loc.Peer)).Int("shnum", res.loc.Shnum).Msg("share fetch failed")
		return
	}

	datav := res.data[res.loc.Shnum]
	if len(datav) == 0 {
		r.lastFailure = &CorruptShareError{Peer: res.loc.Peer, Shnum: res.loc.Shnum, Reason: "share is gone"}
		r.sm.forget(res.loc.Peer, res.loc.Shnum)
		r.logger.Debug().Str("peer", hashutil.ShortID(res.loc.Peer)).Int("shnum", res.loc.Shnum).Msg("share disappeared")
		return
	}

	block, err := r.validate(res.loc, datav[0])
	if err != nil {
		checkstring := datav[0]
		if len(checkstring) > CheckstringLen {
			checkstring = checkstring[:CheckstringLen]
		}
		r.lastFailure = err
		r.sm.MarkBad(res.loc.Peer, res.loc.Shnum, checkstring)
		r.sm.AddProblem(err)
		r.cfg.Metrics.recordCorrupt()
		r.logger.Warn().Err(err).Str("peer", hashutil.ShortID(res.loc.Peer)).Int("shnum", res.loc.Shnum).Msg("bad share")
		return
	}
	r.blocks[res.loc.Shnum] = block
}

// validate checks that a share belongs to the version and that its block
// hashes up to the signed root.
func (r *Retrieve) validate(loc ShareLocation, data []byte) ([]byte, error) {
	corrupt := func(reason string, err error) error {
		return &CorruptShareError{Peer: loc.Peer, Shnum: loc.Shnum, Reason: reason, Err: err}
	}

	share, err := UnpackShare(data)
	if err != nil {
		return nil, corrupt("unparseable share", err)
	}
	if len(data) < PrefixLen || !bytes.Equal(data[:PrefixLen], []byte(r.version.SignedPrefix)) {
		return nil, corrupt("prefix does not match the version", nil)
	}

	blockTree := hashtree.NewIncomplete(1)
	blockHashes := make(map[int][]byte, len(share.BlockHashTree))
	for i, h := range share.BlockHashTree {
		blockHashes[i] = h
	}
	if _, err := blockTree.SetHashes(blockHashes, nil, false); err != nil {
		return nil, corrupt("block hash tree is malformed", err)
	}
	if _, err := blockTree.SetHashes(nil, map[int][]byte{0: hashutil.BlockHash(share.Block)}, true); err != nil {
		return nil, corrupt("block hash tree failure", err)
	}

	leaves := map[int][]byte{loc.Shnum: blockTree.Get(0)}
	if _, err := r.shareTree.SetHashes(share.ShareHashChain, leaves, true); err != nil {
		return nil, corrupt("share hash tree failure", err)
	}
	return share.Block, nil
}

func (r *Retrieve) decode() ([]byte, error) {
	v := r.version
	dec, err := codec.NewDecoder(int(v.SegmentSize), v.K, v.N)
	if err != nil {
		return nil, fmt.Errorf("setup decoder: %w", err)
	}
	used := make(map[int][]byte, v.K)
	for shnum, block := range r.blocks {
		if len(used) == v.K {
			break
		}
		used[shnum] = block
	}
	segment, err := dec.Decode(used)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.ShortString(), err)
	}
	if uint64(len(segment)) < v.DataLength {
		return nil, fmt.Errorf("decode %s: segment has %d bytes, want %d", v.ShortString(), len(segment), v.DataLength)
	}
	crypttext := segment[:v.DataLength]
	return encryptData(r.node.keys.ReadKey, v.Salt, crypttext)
}
