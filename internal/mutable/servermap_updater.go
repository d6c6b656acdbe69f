package mutable

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

// Mode selects how hard a servermap update works before it stops.
type Mode string

// Update modes.
const (
	// ModeCheck queries every peer and waits for all of them.
	ModeCheck Mode = "check"
	// ModeWrite looks for every share so a publish can replace them all.
	ModeWrite Mode = "write"
	// ModeReadEnough stops once the newest recoverable version is known.
	ModeReadEnough Mode = "read"
	// ModeAnything stops as soon as any version is recoverable.
	ModeAnything Mode = "anything"
)

var errUpdaterUsed = errors.New("servermap updater already used")

type queryKind int

const (
	queryShares queryKind = iota
	queryPrivkey
)

type queryResult struct {
	kind    queryKind
	peer    Peer
	shnum   int
	data    storage.ReadData
	err     error
	started time.Time
}

// ServermapUpdater queries peers for the shares of one file and records what
// it finds in a ServerMap. All state below is owned by the goroutine running
// Update; RPC goroutines only hand results back over a channel.
type ServermapUpdater struct {
	node   *FileNode
	sm     *ServerMap
	mode   Mode
	cfg    Config
	logger zerolog.Logger
	status *UpdateStatus

	used            bool
	running         bool
	k, n, epsilon   int
	readSize        int
	numPeersToQuery int

	fullPeers        []Peer
	extraPeers       []Peer
	queried          map[string]bool
	outstanding      map[string]bool
	mustQuery        map[string]bool
	goodPeers        map[string]bool
	emptyPeers       map[string]bool
	badPeers         map[string]bool
	queriesCompleted int
	needPrivkey      bool
	validVersions    map[VersionInfo]bool

	results chan queryResult
	done    chan struct{}
}

// NewServermapUpdater prepares an update of sm for node. A nil sm starts from
// an empty map.
func NewServermapUpdater(node *FileNode, sm *ServerMap, mode Mode) *ServermapUpdater {
	if sm == nil {
		sm = NewServerMap()
	}
	status := &UpdateStatus{Mode: mode}
	status.init(node.StorageIndex())

	k, n := node.EncodingParams()
	cfg := node.cfg
	readSize := cfg.ReadSize
	if mode == ModeCheck {
		readSize = DefaultCheckReadSize
		if cfg.ReadSize < readSize {
			readSize = cfg.ReadSize
		}
	}

	return &ServermapUpdater{
		node:   node,
		sm:     sm,
		mode:   mode,
		cfg:    cfg,
		status: status,
		logger: cfg.Logger.With().
			Str("component", "servermap-updater").
			Str("si", hashutil.SIPrefix(node.StorageIndex())).
			Str("op", status.ID()).
			Str("mode", string(mode)).
			Logger(),
		k:             k,
		n:             n,
		epsilon:       cfg.epsilon(k),
		readSize:      readSize,
		queried:       make(map[string]bool),
		outstanding:   make(map[string]bool),
		mustQuery:     make(map[string]bool),
		goodPeers:     make(map[string]bool),
		emptyPeers:    make(map[string]bool),
		badPeers:      make(map[string]bool),
		validVersions: make(map[VersionInfo]bool),
		results:       make(chan queryResult),
		done:          make(chan struct{}),
	}
}

// Status returns the live status of this update.
func (u *ServermapUpdater) Status() *UpdateStatus { return u.status }

// Update runs the query protocol until the mode's completion policy is met.
// Individual peer failures and corrupt shares are recorded in the map and
// never fail the update. Cancelling ctx abandons the update; queries already
// in flight are allowed to finish and their results are discarded.
func (u *ServermapUpdater) Update(ctx context.Context) (*ServerMap, error) {
	if u.used {
		return nil, errUpdaterUsed
	}
	u.used = true

	if u.mode == ModeWrite && !u.node.CanWrite() {
		u.status.finish("Failed")
		return nil, ErrNoWriteCapability
	}
	u.needPrivkey = u.mode == ModeWrite && u.node.Privkey() == nil

	started := time.Now()
	u.fullPeers = PermutedPeers(u.node.peers.Peers(), u.node.StorageIndex())
	for _, p := range u.fullPeers {
		u.sm.SetConnection(p.ID, p.Server)
	}
	u.extraPeers = append([]Peer(nil), u.fullPeers...)

	var initial []Peer
	switch u.mode {
	case ModeCheck:
		initial = u.fullPeers
		for _, p := range initial {
			u.mustQuery[p.ID] = true
		}
		u.extraPeers = nil
	case ModeWrite:
		u.numPeersToQuery = u.n + u.epsilon
		initial = u.buildInitialQueryList()
	default:
		u.numPeersToQuery = u.k + u.epsilon
		initial = u.buildInitialQueryList()
	}

	u.logger.Debug().
		Int("peers", len(u.fullPeers)).
		Int("initial", len(initial)).
		Int("must_query", len(u.mustQuery)).
		Bool("need_privkey", u.needPrivkey).
		Msg("starting servermap update")

	u.running = true
	for _, p := range initial {
		u.sendQuery(ctx, p)
	}
	u.checkForDone(ctx)

	var err error
	for u.running {
		select {
		case r := <-u.results:
			u.handle(ctx, r)
			u.checkForDone(ctx)
		case <-ctx.Done():
			u.running = false
			err = ctx.Err()
		}
	}
	close(u.done)

	if err != nil {
		u.status.finish("Cancelled")
		return nil, err
	}

	u.sm.SetLastUpdate(u.mode, started)
	elapsed := time.Since(started)
	u.cfg.Metrics.recordUpdate(u.mode, elapsed.Seconds())
	u.status.setProgress(1.0)
	u.status.finish("Finished")
	u.logger.Info().
		Str("versions", u.sm.SummarizeVersions()).
		Int("queries", u.queriesCompleted).
		Dur("elapsed", elapsed).
		Msg("servermap update done")
	return u.sm, nil
}

// buildInitialQueryList queries every peer the previous map knew about (and
// must hear back from them), then fills up to numPeersToQuery in permuted order.
func (u *ServermapUpdater) buildInitialQueryList() []Peer {
	byID := make(map[string]Peer, len(u.fullPeers))
	for _, p := range u.fullPeers {
		byID[p.ID] = p
	}

	var initial []Peer
	chosen := make(map[string]bool)
	for _, id := range u.sm.AllPeers() {
		p, ok := byID[id]
		if !ok {
			srv, known := u.sm.Connection(id)
			if !known {
				continue
			}
			p = Peer{ID: id, Server: srv}
		}
		initial = append(initial, p)
		chosen[id] = true
		u.mustQuery[id] = true
	}

	for len(initial) < u.numPeersToQuery && len(u.extraPeers) > 0 {
		p := u.extraPeers[0]
		u.extraPeers = u.extraPeers[1:]
		if chosen[p.ID] {
			continue
		}
		initial = append(initial, p)
		chosen[p.ID] = true
	}
	return initial
}

func (u *ServermapUpdater) sendQuery(ctx context.Context, p Peer) {
	u.queried[p.ID] = true
	u.outstanding[p.ID] = true
	readv := []storage.ReadVector{{Offset: 0, Length: int64(u.readSize)}}
	u.dispatch(ctx, queryShares, p, 0, nil, readv)
}

func (u *ServermapUpdater) sendPrivkeyQuery(ctx context.Context, p Peer, shnum int, v VersionInfo) {
	u.outstanding[p.ID] = true
	readv := []storage.ReadVector{{Offset: int64(v.Offsets.EncPrivkey), Length: int64(v.Offsets.EOF - v.Offsets.EncPrivkey)}}
	u.dispatch(ctx, queryPrivkey, p, shnum, []int{shnum}, readv)
}

func (u *ServermapUpdater) dispatch(ctx context.Context, kind queryKind, p Peer, shnum int, shnums []int, readv []storage.ReadVector) {
	si := u.node.StorageIndex()
	timeout := u.cfg.QueryTimeout
	go func() {
		started := time.Now()
		qctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		data, err := p.Server.SlotReadv(qctx, si, shnums, readv)
		select {
		case u.results <- queryResult{kind: kind, peer: p, shnum: shnum, data: data, err: err, started: started}:
		case <-u.done:
		}
	}()
}

func (u *ServermapUpdater) handle(ctx context.Context, r queryResult) {
	switch r.kind {
	case queryShares:
		if r.err != nil {
			u.queryFailed(r.peer, r.err)
			return
		}
		u.gotResults(ctx, r.peer, r.data, r.started)
	case queryPrivkey:
		delete(u.outstanding, r.peer.ID)
		if r.err != nil {
			u.sm.AddProblem(&PeerError{Peer: r.peer.ID, Op: "privkey query", Err: r.err})
			u.logger.Warn().Err(r.err).Str("peer", hashutil.ShortID(r.peer.ID)).Msg("privkey query failed")
			return
		}
		u.gotPrivkeyResults(r.peer, r.shnum, r.data)
	}
}

func (u *ServermapUpdater) gotResults(ctx context.Context, p Peer, datavs storage.ReadData, started time.Time) {
	delete(u.outstanding, p.ID)
	delete(u.mustQuery, p.ID)
	u.queriesCompleted++
	u.status.addServerTime(p.ID, time.Since(started))
	u.sm.MarkReachable(p.ID)

	if len(datavs) > 0 {
		u.goodPeers[p.ID] = true
		u.cfg.Metrics.recordQuery(u.mode, "shares")
	} else {
		u.emptyPeers[p.ID] = true
		u.cfg.Metrics.recordQuery(u.mode, "empty")
	}

	// shares the peer no longer reports are gone
	for _, shnum := range u.sm.SharesOnPeer(p.ID) {
		if _, ok := datavs[shnum]; !ok {
			u.sm.forget(p.ID, shnum)
		}
	}

	var (
		last      VersionInfo
		lastShnum = -1
	)
	shnums := make([]int, 0, len(datavs))
	for shnum := range datavs {
		shnums = append(shnums, shnum)
	}
	sort.Ints(shnums)

	for _, shnum := range shnums {
		datav := datavs[shnum]
		if len(datav) == 0 {
			continue
		}
		data := datav[0]
		v, err := u.gotResultsOneShare(p, shnum, data)
		if err != nil {
			u.badPeers[p.ID] = true
			checkstring := data
			if len(checkstring) > CheckstringLen {
				checkstring = checkstring[:CheckstringLen]
			}
			u.sm.MarkBad(p.ID, shnum, checkstring)
			u.sm.AddProblem(err)
			u.cfg.Metrics.recordCorrupt()
			u.logger.Warn().Err(err).Str("peer", hashutil.ShortID(p.ID)).Int("shnum", shnum).Msg("corrupt share")
			continue
		}
		last = v
		lastShnum = shnum
	}

	u.logger.Debug().
		Str("peer", hashutil.ShortID(p.ID)).
		Ints("shnums", shnums).
		Msg("got query results")

	if u.needPrivkey && lastShnum >= 0 {
		u.sendPrivkeyQuery(ctx, p, lastShnum, last)
	}
}

func (u *ServermapUpdater) gotResultsOneShare(p Peer, shnum int, data []byte) (VersionInfo, error) {
	h, err := UnpackPrefixAndSignature(data)
	if err != nil {
		return VersionInfo{}, &CorruptShareError{Peer: p.ID, Shnum: shnum, Reason: "unparseable header", Err: err}
	}

	pubkey := u.node.Pubkey()
	if pubkey == nil {
		if !u.node.keys.ValidPubkey(h.Pubkey) {
			return VersionInfo{}, &CorruptShareError{Peer: p.ID, Shnum: shnum, Reason: "pubkey doesn't match fingerprint"}
		}
		pubkey = ed25519.PublicKey(h.Pubkey)
		u.node.setPubkey(pubkey)
	} else if !bytes.Equal(pubkey, h.Pubkey) {
		return VersionInfo{}, &CorruptShareError{Peer: p.ID, Shnum: shnum, Reason: "pubkey doesn't match the file's key"}
	}

	if u.needPrivkey {
		u.tryToExtractPrivkey(p, shnum, data)
	}

	v := newVersionInfo(h)
	if v.K < 1 || v.N < v.K {
		return VersionInfo{}, &CorruptShareError{Peer: p.ID, Shnum: shnum, Reason: fmt.Sprintf("bad encoding parameters k=%d N=%d", v.K, v.N)}
	}
	if !u.validVersions[v] {
		if !u.cfg.VerifyCache.Seen(h.RawPrefix, h.Signature, h.Pubkey) {
			if !ed25519.Verify(pubkey, h.RawPrefix, h.Signature) {
				return VersionInfo{}, &CorruptShareError{Peer: p.ID, Shnum: shnum, Reason: "signature is invalid"}
			}
			u.cfg.VerifyCache.Add(h.RawPrefix, h.Signature, h.Pubkey)
		}
		u.validVersions[v] = true
	}

	u.node.learnEncodingParams(v.K, v.N)
	u.sm.AddShare(p.ID, shnum, v, time.Now())
	return v, nil
}

func (u *ServermapUpdater) tryToExtractPrivkey(p Peer, shnum int, data []byte) {
	share, err := UnpackShare(data)
	if err != nil {
		var nmd *NeedMoreDataError
		if errors.As(err, &nmd) {
			u.logger.Debug().
				Str("peer", hashutil.ShortID(p.ID)).
				Int("shnum", shnum).
				Uint64("encprivkey_offset", nmd.EncPrivkeyOffset).
				Msg("share too short to hold the encrypted privkey")
		}
		return
	}
	u.tryToValidatePrivkey(p, shnum, share.EncPrivkey)
}

func (u *ServermapUpdater) tryToValidatePrivkey(p Peer, shnum int, enc []byte) {
	priv, ok := u.node.keys.DecryptPrivkey(enc)
	if !ok {
		u.logger.Warn().Str("peer", hashutil.ShortID(p.ID)).Int("shnum", shnum).Msg("invalid privkey")
		return
	}
	u.node.setPrivkey(priv)
	u.needPrivkey = false
	u.status.setPrivkeyFrom(p.ID)
	u.logger.Debug().Str("peer", hashutil.ShortID(p.ID)).Int("shnum", shnum).Msg("got privkey")
}

func (u *ServermapUpdater) gotPrivkeyResults(p Peer, shnum int, datavs storage.ReadData) {
	if !u.needPrivkey {
		return
	}
	datav, ok := datavs[shnum]
	if !ok || len(datav) == 0 {
		u.logger.Debug().Str("peer", hashutil.ShortID(p.ID)).Int("shnum", shnum).Msg("privkey wasn't there when we asked for it")
		return
	}
	u.tryToValidatePrivkey(p, shnum, datav[0])
}

func (u *ServermapUpdater) queryFailed(p Peer, err error) {
	delete(u.outstanding, p.ID)
	delete(u.mustQuery, p.ID)
	u.badPeers[p.ID] = true
	u.queriesCompleted++
	u.sm.AddProblem(&PeerError{Peer: p.ID, Op: "share query", Err: err})
	u.sm.MarkUnreachable(p.ID)
	u.cfg.Metrics.recordQuery(u.mode, "error")
	u.logger.Warn().Err(err).Str("peer", hashutil.ShortID(p.ID)).Msg("share query failed")
}

// checkForDone applies the completion policy after every settled response.
func (u *ServermapUpdater) checkForDone(ctx context.Context) {
	if !u.running {
		return
	}
	u.decide(ctx)
	// nothing in flight means nothing will wake us again
	if u.running && len(u.outstanding) == 0 {
		u.finish()
	}
}

func (u *ServermapUpdater) decide(ctx context.Context) {
	if len(u.mustQuery) > 0 {
		// still waiting on peers that used to hold shares
		return
	}

	recoverable := u.sm.RecoverableVersions()

	switch u.mode {
	case ModeAnything:
		if len(recoverable) > 0 {
			u.finish()
			return
		}
	case ModeCheck:
		u.finish()
		return
	case ModeReadEnough:
		if u.queriesCompleted < u.numPeersToQuery || len(recoverable) == 0 {
			u.sendMoreQueries(ctx, u.cfg.MaxInFlight)
			return
		}
		highest := recoverable[len(recoverable)-1].Seqnum
		for _, v := range u.sm.UnrecoverableVersions() {
			if v.Seqnum > highest {
				// a newer version exists that we cannot recover yet
				u.sendMoreQueries(ctx, u.cfg.MaxInFlight)
				return
			}
		}
		u.finish()
		return
	case ModeWrite:
		u.decideWrite(ctx, len(recoverable) > 0)
		return
	}

	u.sendMoreQueries(ctx, u.cfg.MaxInFlight)
}

// decideWrite scans peers in permuted order looking for epsilon consecutive
// empty peers after the last peer known to hold a share.
func (u *ServermapUpdater) decideWrite(ctx context.Context, haveRecoverable bool) {
	if !haveRecoverable {
		u.sendMoreQueries(ctx, u.cfg.MaxInFlight)
		return
	}

	var (
		lastFound        = -1
		lastNotResponded = -1
		numNotResponded  int
		numNotFound      int
		foundBoundary    bool
		states           strings.Builder
	)
	for i, p := range u.fullPeers {
		switch {
		case u.badPeers[p.ID]:
			states.WriteByte('x')
		case u.emptyPeers[p.ID]:
			states.WriteByte('0')
			if lastFound != -1 {
				numNotFound++
				if numNotFound >= u.epsilon {
					foundBoundary = true
				}
			}
		case u.goodPeers[p.ID]:
			states.WriteByte('1')
			lastFound = i
			numNotFound = 0
		default:
			states.WriteByte('?')
			lastNotResponded = i
			numNotResponded++
		}
		if foundBoundary {
			break
		}
	}

	if !foundBoundary {
		u.logger.Debug().Str("states", states.String()).Msg("no boundary yet")
		u.sendMoreQueries(ctx, u.cfg.MaxInFlight)
		return
	}

	u.logger.Debug().Str("states", states.String()).Msg("found our boundary")
	if lastNotResponded != -1 {
		// need answers from everybody to the left of the boundary
		u.sendMoreQueries(ctx, numNotResponded)
		return
	}
	if u.needPrivkey {
		u.logger.Debug().Msg("have all our answers but still waiting for the privkey")
		u.sendMoreQueries(ctx, u.cfg.MaxInFlight)
		return
	}
	u.finish()
}

func (u *ServermapUpdater) sendMoreQueries(ctx context.Context, numOutstanding int) {
	sent := 0
	for len(u.outstanding) < numOutstanding && len(u.extraPeers) > 0 {
		p := u.extraPeers[0]
		u.extraPeers = u.extraPeers[1:]
		if u.queried[p.ID] {
			continue
		}
		u.sendQuery(ctx, p)
		sent++
	}
	if sent > 0 {
		u.logger.Debug().Int("sent", sent).Int("outstanding", len(u.outstanding)).Msg("sending more queries")
	}
}

func (u *ServermapUpdater) finish() {
	u.running = false
}
