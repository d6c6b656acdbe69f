// Package mutable implements versioned, writable files stored as
// erasure-coded shares across untrusted peers: locating the shares of each
// version (ServermapUpdater), committing a new version with test-and-set
// writes (Publish) and reading a version back (Retrieve).
package mutable

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

// FileNode is a handle on one mutable file. Operations on a node are
// serialized; key material learned from shares is cached on the node.
type FileNode struct {
	cfg    Config
	peers  PeerSource
	logger zerolog.Logger

	mu   sync.Mutex
	keys *Keys
	k, n int

	opMu sync.Mutex
}

// Create generates a new keypair and publishes contents as version 1.
func Create(ctx context.Context, cfg Config, peers PeerSource, contents []byte) (*FileNode, error) {
	cfg = cfg.withDefaults()
	if err := checkEncoding(cfg.RequiredShares, cfg.TotalShares); err != nil {
		return nil, err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	node := newFileNode(cfg, peers, NewKeys(priv))
	node.k, node.n = cfg.RequiredShares, cfg.TotalShares

	node.opMu.Lock()
	defer node.opMu.Unlock()
	if _, err := node.publish(ctx, nil, contents); err != nil {
		return nil, err
	}
	return node, nil
}

// Open returns a node for an existing file named by a write or read cap.
func Open(cfg Config, peers PeerSource, capString string) (*FileNode, error) {
	c, err := ParseCap(capString)
	if err != nil {
		return nil, err
	}
	keys := &Keys{
		WriteKey:     c.WriteKey,
		ReadKey:      c.ReadKey,
		StorageIndex: c.StorageIndex(),
		Fingerprint:  c.Fingerprint,
	}
	return newFileNode(cfg.withDefaults(), peers, keys), nil
}

func newFileNode(cfg Config, peers PeerSource, keys *Keys) *FileNode {
	return &FileNode{
		cfg:   cfg,
		peers: peers,
		keys:  keys,
		logger: cfg.Logger.With().
			Str("component", "mutable-file").
			Str("si", hashutil.SIPrefix(keys.StorageIndex)).
			Logger(),
	}
}

// Cap returns the most powerful capability for this node.
func (n *FileNode) Cap() *Cap {
	return &Cap{WriteKey: n.keys.WriteKey, ReadKey: n.keys.ReadKey, Fingerprint: n.keys.Fingerprint}
}

// WriteCap returns the write cap string, or "" for a read-only node.
func (n *FileNode) WriteCap() string {
	if !n.CanWrite() {
		return ""
	}
	return n.Cap().String()
}

// ReadCap returns the read-only cap string.
func (n *FileNode) ReadCap() string { return n.Cap().ReadOnly().String() }

// StorageIndex returns the storage index of the file.
func (n *FileNode) StorageIndex() []byte { return n.keys.StorageIndex }

// CanWrite reports whether the node holds the write key.
func (n *FileNode) CanWrite() bool { return n.keys.CanWrite() }

// Secrets derives the slot secrets for one peer.
func (n *FileNode) Secrets(peerID string) (storage.Secrets, error) {
	if !n.CanWrite() {
		return storage.Secrets{}, ErrNoWriteCapability
	}
	return n.keys.Secrets(peerID), nil
}

// EncodingParams returns k and N, falling back to the configured defaults
// until they are learned from a share.
func (n *FileNode) EncodingParams() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	k, total := n.k, n.n
	if k == 0 {
		k = n.cfg.RequiredShares
	}
	if total == 0 {
		total = n.cfg.TotalShares
	}
	return k, total
}

func (n *FileNode) learnEncodingParams(k, total int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.k == 0 {
		n.k, n.n = k, total
	}
}

// Pubkey returns the verification key, or nil if not yet learned.
func (n *FileNode) Pubkey() ed25519.PublicKey {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.keys.Pubkey
}

func (n *FileNode) setPubkey(pub ed25519.PublicKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys.Pubkey = append(ed25519.PublicKey(nil), pub...)
}

// Privkey returns the signing key, or nil if not yet recovered.
func (n *FileNode) Privkey() ed25519.PrivateKey {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.keys.Privkey
}

func (n *FileNode) setPrivkey(priv ed25519.PrivateKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys.Privkey = priv
	if n.keys.Pubkey == nil {
		n.keys.Pubkey = priv.Public().(ed25519.PublicKey)
	}
}

// UpdateServermap refreshes sm (or a new map if nil) in the given mode.
func (n *FileNode) UpdateServermap(ctx context.Context, sm *ServerMap, mode Mode) (*ServerMap, *UpdateStatus, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.updateServermap(ctx, sm, mode)
}

func (n *FileNode) updateServermap(ctx context.Context, sm *ServerMap, mode Mode) (*ServerMap, *UpdateStatus, error) {
	u := NewServermapUpdater(n, sm, mode)
	out, err := u.Update(ctx)
	return out, u.Status(), err
}

// Check queries every peer and returns the resulting map.
func (n *FileNode) Check(ctx context.Context) (*ServerMap, error) {
	sm, _, err := n.UpdateServermap(ctx, nil, ModeCheck)
	return sm, err
}

// DownloadBestVersion returns the contents of the newest recoverable version.
func (n *FileNode) DownloadBestVersion(ctx context.Context) ([]byte, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	sm, _, err := n.updateServermap(ctx, nil, ModeReadEnough)
	if err != nil {
		return nil, err
	}
	return n.downloadBest(ctx, sm)
}

func (n *FileNode) downloadBest(ctx context.Context, sm *ServerMap) ([]byte, error) {
	v, ok := sm.BestRecoverableVersion()
	if !ok {
		if sm.Len() == 0 {
			return nil, ErrNoShares
		}
		return nil, fmt.Errorf("%w: versions %s", ErrNotEnoughShares, sm.SummarizeVersions())
	}
	data, _, err := NewRetrieve(n, sm, v).Download(ctx)
	return data, err
}

// DownloadVersion retrieves one specific version recorded in sm.
func (n *FileNode) DownloadVersion(ctx context.Context, sm *ServerMap, v VersionInfo) ([]byte, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	data, _, err := NewRetrieve(n, sm, v).Download(ctx)
	return data, err
}

// Overwrite replaces the contents with data, regardless of the current version.
func (n *FileNode) Overwrite(ctx context.Context, data []byte) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	sm, _, err := n.updateServermap(ctx, nil, ModeWrite)
	if err != nil {
		return err
	}
	_, err = n.publish(ctx, sm, data)
	return err
}

// Upload publishes data against a servermap the caller already holds.
func (n *FileNode) Upload(ctx context.Context, sm *ServerMap, data []byte) (*PublishStatus, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.publish(ctx, sm, data)
}

// Modify reads the current contents, applies modifier and publishes the
// result. A conflicting concurrent write surfaces as ErrUncoordinatedWrite;
// the caller decides whether to retry.
func (n *FileNode) Modify(ctx context.Context, modifier func(old []byte) ([]byte, error)) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	sm, _, err := n.updateServermap(ctx, nil, ModeWrite)
	if err != nil {
		return err
	}
	old, err := n.downloadBest(ctx, sm)
	if err != nil {
		return err
	}
	updated, err := modifier(old)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	_, err = n.publish(ctx, sm, updated)
	return err
}

func (n *FileNode) publish(ctx context.Context, sm *ServerMap, data []byte) (*PublishStatus, error) {
	p, err := NewPublish(n, sm)
	if err != nil {
		return nil, err
	}
	err = p.Publish(ctx, data)
	return p.Status(), err
}
