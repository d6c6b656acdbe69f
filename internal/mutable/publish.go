package mutable

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/sharegrid/internal/codec"
	"github.com/tunnelmesh/sharegrid/internal/hashtree"
	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

const publishLoopLimit = 1000

var errPublishUsed = errors.New("publish already used")

type writeResult struct {
	peer     Peer
	shnums   []int
	applied  bool
	readBack storage.ReadData
	err      error
	started  time.Time
}

// Publish commits one new version of a file. It keeps three sets of
// (peer, share) pairs: the goal placement, writes in flight, and writes
// confirmed. It is finished when every goal pair is placed and nothing is in
// flight. A Publish is single-use.
type Publish struct {
	node   *FileNode
	sm     *ServerMap
	cfg    Config
	logger zerolog.Logger
	status *PublishStatus

	used    bool
	running bool

	newSeqnum uint64
	k, n      int
	salt      [SaltLen]byte
	shares    map[int][]byte
	version   VersionInfo

	fullPeers   []Peer
	connections map[string]Peer
	badPeers    map[string]bool

	goal                 map[ShareKey]bool
	outstanding          map[ShareKey]bool
	placed               map[ShareKey]bool
	badShareCheckstrings map[ShareKey][]byte

	surprised       bool
	firstWriteError error
	loopLimit       int

	results chan writeResult
	done    chan struct{}
}

// NewPublish prepares a publish for node against sm. A nil sm means the file
// has never been written and the new version is seqnum 1. Otherwise sm must
// come from a write- or check-mode update.
func NewPublish(node *FileNode, sm *ServerMap) (*Publish, error) {
	if !node.CanWrite() {
		return nil, ErrNoWriteCapability
	}
	if err := checkEncoding(node.EncodingParams()); err != nil {
		return nil, err
	}
	var seqnum uint64 = 1
	if sm != nil {
		if mode, _ := sm.LastUpdate(); mode != ModeWrite && mode != ModeCheck {
			return nil, fmt.Errorf("%w: last update was %q", ErrWrongMode, mode)
		}
		seqnum = sm.HighestSeqnum() + 1
	} else {
		sm = NewServerMap()
	}

	status := &PublishStatus{Seqnum: seqnum}
	status.init(node.StorageIndex())
	cfg := node.cfg

	return &Publish{
		node:   node,
		sm:     sm,
		cfg:    cfg,
		status: status,
		logger: cfg.Logger.With().
			Str("component", "publish").
			Str("si", hashutil.SIPrefix(node.StorageIndex())).
			Str("op", status.ID()).
			Logger(),
		newSeqnum:            seqnum,
		connections:          make(map[string]Peer),
		badPeers:             make(map[string]bool),
		goal:                 make(map[ShareKey]bool),
		outstanding:          make(map[ShareKey]bool),
		placed:               make(map[ShareKey]bool),
		badShareCheckstrings: make(map[ShareKey][]byte),
		loopLimit:            publishLoopLimit,
		results:              make(chan writeResult),
		done:                 make(chan struct{}),
	}, nil
}

// Status returns the live status of this publish.
func (p *Publish) Status() *PublishStatus { return p.status }

// NewSeqnum is the sequence number this publish writes.
func (p *Publish) NewSeqnum() uint64 { return p.newSeqnum }

// ServerMap returns the map, updated in place with every confirmed write.
func (p *Publish) ServerMap() *ServerMap { return p.sm }

// Publish encrypts, encodes and signs data, then drives test-and-set writes
// until every share is placed. A write whose test vector fails means someone
// else changed the file since the map was built: the publish keeps placing the
// remaining shares but ends with ErrUncoordinatedWrite.
func (p *Publish) Publish(ctx context.Context, data []byte) error {
	if p.used {
		return errPublishUsed
	}
	p.used = true
	started := time.Now()

	err := p.run(ctx, data)
	result := "success"
	switch {
	case err == nil:
		p.status.setProgress(1.0)
		p.status.finish("Finished")
		p.logger.Info().Uint64("seqnum", p.newSeqnum).Int("placed", len(p.placed)).Msg("publish done")
	case errors.Is(err, ErrUncoordinatedWrite):
		result = "uncoordinated"
		p.status.finish("UncoordinatedWriteError")
		p.logger.Warn().Uint64("seqnum", p.newSeqnum).Msg("publish done, uncoordinated write")
	default:
		result = "error"
		p.status.finish("Failed")
		p.logger.Error().Err(err).Msg("publish failed")
	}
	p.cfg.Metrics.recordPublish(result, time.Since(started).Seconds())
	return err
}

func (p *Publish) run(ctx context.Context, data []byte) error {
	if len(data) > p.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(data), p.cfg.MaxFileSize)
	}
	privkey := p.node.Privkey()
	if privkey == nil {
		return fmt.Errorf("%w: signing key has not been recovered", ErrNoWriteCapability)
	}
	p.k, p.n = p.node.EncodingParams()
	p.status.K, p.status.N, p.status.Size = p.k, p.n, len(data)
	if _, err := rand.Read(p.salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	p.fullPeers = PermutedPeers(p.node.peers.Peers(), p.node.StorageIndex())
	for _, peer := range p.fullPeers {
		p.connections[peer.ID] = peer
	}

	// start from the existing placement so shares are updated in place
	for key := range p.sm.Entries() {
		if p.addConnection(key.Peer) {
			p.goal[key] = true
		}
	}
	for key, checkstring := range p.sm.BadShares() {
		if p.addConnection(key.Peer) {
			p.goal[key] = true
			p.badShareCheckstrings[key] = checkstring
		}
	}

	p.logger.Debug().
		Uint64("seqnum", p.newSeqnum).
		Int("datalen", len(data)).
		Int("k", p.k).
		Int("n", p.n).
		Msg("starting publish")

	setupStarted := time.Now()
	blocks, segmentSize, err := p.encryptAndEncode(data)
	if err != nil {
		return err
	}
	if err := p.generateShares(privkey, blocks, segmentSize, uint64(len(data))); err != nil {
		return err
	}
	p.status.setTiming("encode", time.Since(setupStarted))

	pushStarted := time.Now()
	p.running = true
	defer close(p.done)

	if err := p.loop(ctx); err != nil {
		return p.fail(err)
	}
	for p.running {
		select {
		case r := <-p.results:
			p.handle(r)
			if err := p.loop(ctx); err != nil {
				return p.fail(err)
			}
		case <-ctx.Done():
			p.running = false
			return ctx.Err()
		}
	}
	p.status.setTiming("push", time.Since(pushStarted))

	if p.surprised {
		return ErrUncoordinatedWrite
	}
	return nil
}

func (p *Publish) addConnection(peerID string) bool {
	if _, ok := p.connections[peerID]; ok {
		return true
	}
	if srv, ok := p.sm.Connection(peerID); ok {
		p.connections[peerID] = Peer{ID: peerID, Server: srv}
		return true
	}
	return false
}

// fail ends the loop. A detected conflict outranks any later failure.
func (p *Publish) fail(err error) error {
	p.running = false
	if p.surprised {
		return fmt.Errorf("%w (then: %v)", ErrUncoordinatedWrite, err)
	}
	return err
}

func (p *Publish) encryptAndEncode(data []byte) ([][]byte, int, error) {
	crypttext, err := encryptData(p.node.keys.ReadKey, p.salt, data)
	if err != nil {
		return nil, 0, err
	}
	segmentSize := codec.NextMultiple(len(crypttext), p.k)
	enc, err := codec.NewEncoder(segmentSize, p.k, p.n)
	if err != nil {
		return nil, 0, fmt.Errorf("setup encoder: %w", err)
	}
	blocks, _, err := enc.Encode(crypttext)
	if err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	return blocks, segmentSize, nil
}

func (p *Publish) generateShares(privkey ed25519.PrivateKey, blocks [][]byte, segmentSize int, dataLength uint64) error {
	blockHashTrees := make(map[int][][]byte, len(blocks))
	leaves := make([][]byte, len(blocks))
	for shnum, block := range blocks {
		// one segment, so each block hash tree has a single leaf
		t := hashtree.New([][]byte{hashutil.BlockHash(block)})
		blockHashTrees[shnum] = t.Nodes()
		leaves[shnum] = t.Root()
	}

	shareHashTree := hashtree.New(leaves)
	chains := make(map[int]map[int][]byte, len(blocks))
	for shnum := range blocks {
		needed, err := shareHashTree.NeededHashes(shnum, false)
		if err != nil {
			return err
		}
		chain := make(map[int][]byte, len(needed))
		for _, i := range needed {
			chain[i] = shareHashTree.Get(i)
		}
		chains[shnum] = chain
	}

	var rootHash [hashutil.HashLen]byte
	copy(rootHash[:], shareHashTree.Root())
	prefix := PackPrefix(Prefix{
		Version:     ShareVersion,
		Seqnum:      p.newSeqnum,
		RootHash:    rootHash,
		Salt:        p.salt,
		K:           p.k,
		N:           p.n,
		SegmentSize: uint64(segmentSize),
		DataLength:  dataLength,
	})

	signStarted := time.Now()
	signature := ed25519.Sign(privkey, prefix)
	p.status.setTiming("sign", time.Since(signStarted))

	encPrivkey, err := encryptPrivkey(p.node.keys.WriteKey, privkey)
	if err != nil {
		return err
	}
	pubkey := privkey.Public().(ed25519.PublicKey)

	p.shares = make(map[int][]byte, len(blocks))
	for shnum, block := range blocks {
		share, err := PackShare(prefix, pubkey, signature, chains[shnum], blockHashTrees[shnum], block, encPrivkey)
		if err != nil {
			return err
		}
		p.shares[shnum] = share
	}

	h, err := UnpackPrefixAndSignature(p.shares[0])
	if err != nil {
		return fmt.Errorf("unpack own share: %w", err)
	}
	p.version = newVersionInfo(h)
	p.logger.Debug().Str("root_hash", hashutil.B2A(rootHash[:])).Msg("generated shares")
	return nil
}

// loop advances the publish after every settled write.
func (p *Publish) loop(ctx context.Context) error {
	if !p.running {
		return nil
	}
	p.loopLimit--
	if p.loopLimit <= 0 {
		return ErrLoopLimit
	}

	if err := p.updateGoal(); err != nil {
		return err
	}
	needed := p.needed()
	p.updateStatus()
	if len(needed) > 0 {
		p.logger.Debug().Int("needed", len(needed)).Msg("sending new shares")
		p.sendShares(ctx, needed)
		return nil
	}
	if len(p.outstanding) > 0 {
		return nil
	}
	p.running = false
	return nil
}

func (p *Publish) needed() []ShareKey {
	var out []ShareKey
	for key := range p.goal {
		if !p.placed[key] && !p.outstanding[key] {
			out = append(out, key)
		}
	}
	return out
}

// updateGoal drops bad peers and share numbers outside [0, N) from the goal
// and finds homes for the shares left homeless, preferring peers with the
// fewest shares, then permuted order.
func (p *Publish) updateGoal() error {
	for key := range p.goal {
		if p.badPeers[key.Peer] || key.Shnum < 0 || key.Shnum >= p.n {
			delete(p.goal, key)
		}
	}

	homed := make(map[int]bool, len(p.goal))
	assigned := make(map[string]int)
	for key := range p.goal {
		homed[key.Shnum] = true
		assigned[key.Peer]++
	}
	var homeless []int
	for shnum := 0; shnum < p.n; shnum++ {
		if !homed[shnum] {
			homeless = append(homeless, shnum)
		}
	}
	if len(homeless) == 0 {
		return nil
	}

	type candidate struct {
		count int
		index int
		peer  Peer
	}
	var candidates []candidate
	for i, peer := range p.fullPeers {
		if p.badPeers[peer.ID] {
			continue
		}
		candidates = append(candidates, candidate{count: assigned[peer.ID], index: i, peer: peer})
	}
	if len(candidates) == 0 {
		if p.firstWriteError != nil {
			return fmt.Errorf("%w: first error: %w", ErrNotEnoughPeers, p.firstWriteError)
		}
		return ErrNotEnoughPeers
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].index < candidates[j].index
	})

	i := 0
	for _, shnum := range homeless {
		peer := candidates[i].peer
		p.goal[ShareKey{Peer: peer.ID, Shnum: shnum}] = true
		p.connections[peer.ID] = peer
		i = (i + 1) % len(candidates)
	}
	return nil
}

func (p *Publish) sendShares(ctx context.Context, needed []ShareKey) {
	byPeer := make(map[string][]int)
	for _, key := range needed {
		byPeer[key.Peer] = append(byPeer[key.Peer], key.Shnum)
	}

	readv := []storage.ReadVector{{Offset: 0, Length: CheckstringLen}}
	for peerID, shnums := range byPeer {
		sort.Ints(shnums)
		tw := make(map[int]storage.TestAndWriteVectors, len(shnums))
		for _, shnum := range shnums {
			key := ShareKey{Peer: peerID, Shnum: shnum}
			// trim any tail left by a longer previous version
			length := int64(len(p.shares[shnum]))
			tw[shnum] = storage.TestAndWriteVectors{
				Tests:     []storage.TestVector{p.testVector(key)},
				Writes:    []storage.WriteVector{{Offset: 0, Data: p.shares[shnum]}},
				NewLength: &length,
			}
			p.outstanding[key] = true
		}
		p.dispatch(ctx, p.connections[peerID], shnums, tw, readv)
	}
}

// testVector requires the slot to still hold what the map says it holds.
func (p *Publish) testVector(key ShareKey) storage.TestVector {
	if v, ok := p.sm.VersionOnPeer(key.Peer, key.Shnum); ok {
		cs := v.Checkstring()
		return storage.TestVector{Offset: 0, Length: int64(len(cs)), Op: storage.OpEQ, Specimen: cs}
	}
	if cs, ok := p.badShareCheckstrings[key]; ok {
		return storage.TestVector{Offset: 0, Length: int64(len(cs)), Op: storage.OpEQ, Specimen: cs}
	}
	return storage.EmptySlotTest()
}

func (p *Publish) dispatch(ctx context.Context, peer Peer, shnums []int, tw map[int]storage.TestAndWriteVectors, readv []storage.ReadVector) {
	si := p.node.StorageIndex()
	secrets := p.node.keys.Secrets(peer.ID)
	timeout := p.cfg.WriteTimeout
	go func() {
		started := time.Now()
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		applied, readBack, err := peer.Server.SlotTestvAndReadvAndWritev(wctx, si, secrets, tw, readv)
		r := writeResult{peer: peer, shnums: shnums, applied: applied, readBack: readBack, err: err, started: started}
		select {
		case p.results <- r:
		case <-p.done:
		}
	}()
}

func (p *Publish) handle(r writeResult) {
	for _, shnum := range r.shnums {
		delete(p.outstanding, ShareKey{Peer: r.peer.ID, Shnum: shnum})
	}
	p.status.addServerTime(r.peer.ID, time.Since(r.started))

	if r.err != nil {
		p.badPeers[r.peer.ID] = true
		if p.firstWriteError == nil {
			p.firstWriteError = &PeerError{Peer: r.peer.ID, Op: "share write", Err: r.err}
		}
		p.cfg.Metrics.recordWrite("error")
		p.logger.Warn().Err(r.err).Str("peer", hashutil.ShortID(r.peer.ID)).Ints("shnums", r.shnums).Msg("error while writing shares")
		return
	}

	if p.checkSurpriseShares(r) {
		p.surprised = true
	}

	if !r.applied {
		p.surprised = true
		p.badPeers[r.peer.ID] = true
		p.cfg.Metrics.recordWrite("test_failed")
		for shnum, datav := range r.readBack {
			if len(datav) == 0 {
				continue
			}
			theirs, err := UnpackCheckstring(datav[0])
			if err != nil {
				continue
			}
			ev := p.logger.Warn().
				Str("peer", hashutil.ShortID(r.peer.ID)).
				Int("shnum", shnum).
				Uint64("their_seqnum", theirs.Seqnum).
				Str("their_root", hashutil.B2A(theirs.RootHash[:])[:4])
			if expected, ok := p.sm.VersionOnPeer(r.peer.ID, shnum); ok {
				ev = ev.Uint64("expected_seqnum", expected.Seqnum)
			}
			ev.Msg("somebody modified the share on us")
		}
		return
	}

	p.cfg.Metrics.recordWrite("applied")
	for _, shnum := range r.shnums {
		key := ShareKey{Peer: r.peer.ID, Shnum: shnum}
		p.placed[key] = true
		p.sm.AddNewShare(r.peer.ID, shnum, p.version, r.started)
	}
}

// checkSurpriseShares looks at the checkstrings read back for shares we did
// not write in this request and do not already know about. Any of them holding
// a version other than ours is evidence of another writer.
func (p *Publish) checkSurpriseShares(r writeResult) bool {
	writing := make(map[int]bool, len(r.shnums))
	for _, shnum := range r.shnums {
		writing[shnum] = true
	}
	newCheck := Checkstring{Seqnum: p.version.Seqnum, RootHash: p.version.RootHash, Salt: p.version.Salt}

	var surprises []int
	for shnum, datav := range r.readBack {
		if writing[shnum] || len(datav) == 0 {
			continue
		}
		if _, known := p.sm.VersionOnPeer(r.peer.ID, shnum); known {
			continue
		}
		theirs, err := UnpackCheckstring(datav[0])
		if err == nil && theirs == newCheck {
			// already ours, or a convergent write of the same version
			continue
		}
		surprises = append(surprises, shnum)
	}
	if len(surprises) == 0 {
		return false
	}
	sort.Ints(surprises)
	p.logger.Warn().Str("peer", hashutil.ShortID(r.peer.ID)).Ints("shnums", surprises).Msg("peer had shares we didn't know about")
	return true
}

func (p *Publish) updateStatus() {
	if len(p.goal) == 0 {
		return
	}
	p.status.setProgress(float64(len(p.placed)) / float64(len(p.goal)))
	p.status.setStatus(fmt.Sprintf("Pushing shares: %d placed, %d outstanding", len(p.placed), len(p.outstanding)))
}
