package mutable

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

// Keys is the key material of one mutable file. Write-capable keys carry the
// private key; read-only keys carry only the read key and fingerprint.
type Keys struct {
	Privkey      ed25519.PrivateKey
	Pubkey       ed25519.PublicKey
	WriteKey     []byte
	ReadKey      []byte
	StorageIndex []byte
	Fingerprint  []byte
}

// NewKeys derives the full key hierarchy from a fresh signing key.
func NewKeys(priv ed25519.PrivateKey) *Keys {
	pub := priv.Public().(ed25519.PublicKey)
	writekey := hashutil.WriteKey(priv.Seed())
	readkey := hashutil.ReadKey(writekey)
	return &Keys{
		Privkey:      priv,
		Pubkey:       pub,
		WriteKey:     writekey,
		ReadKey:      readkey,
		StorageIndex: hashutil.StorageIndex(readkey),
		Fingerprint:  hashutil.PubkeyFingerprint(pub),
	}
}

// CanWrite reports whether the keys authorize writes.
func (k *Keys) CanWrite() bool { return len(k.WriteKey) > 0 }

// WriteEnabler derives the write enabler for one peer.
func (k *Keys) WriteEnabler(peerID string) []byte {
	return hashutil.WriteEnabler(k.WriteKey, peerID)
}

// Secrets derives the slot secrets presented to one peer.
func (k *Keys) Secrets(peerID string) storage.Secrets {
	return storage.Secrets{
		WriteEnabler: hashutil.WriteEnabler(k.WriteKey, peerID),
		RenewSecret:  hashutil.RenewSecret(k.WriteKey, k.StorageIndex, peerID),
		CancelSecret: hashutil.CancelSecret(k.WriteKey, k.StorageIndex, peerID),
	}
}

// encryptPrivkey encrypts the signing seed under a key derived from the write key.
func encryptPrivkey(writekey []byte, priv ed25519.PrivateKey) ([]byte, error) {
	key, err := hashutil.PrivkeyKey(writekey)
	if err != nil {
		return nil, err
	}
	return xorStream(key, priv.Seed())
}

// DecryptPrivkey recovers a signing key and checks it against the write key.
// It returns false if the encrypted key does not belong to this file.
func (k *Keys) DecryptPrivkey(enc []byte) (ed25519.PrivateKey, bool) {
	if len(enc) != ed25519.SeedSize {
		return nil, false
	}
	key, err := hashutil.PrivkeyKey(k.WriteKey)
	if err != nil {
		return nil, false
	}
	seed, err := xorStream(key, enc)
	if err != nil {
		return nil, false
	}
	if !bytesEqual(hashutil.WriteKey(seed), k.WriteKey) {
		return nil, false
	}
	return ed25519.NewKeyFromSeed(seed), true
}

// ValidPubkey checks a serialized verification key against the fingerprint.
func (k *Keys) ValidPubkey(pubkey []byte) bool {
	return len(pubkey) == ed25519.PublicKeySize && bytesEqual(hashutil.PubkeyFingerprint(pubkey), k.Fingerprint)
}

// encryptData applies the salted stream cipher. Decryption is the same operation.
func encryptData(readkey []byte, salt [SaltLen]byte, data []byte) ([]byte, error) {
	key, err := hashutil.DataKey(readkey, salt[:])
	if err != nil {
		return nil, err
	}
	return xorStream(key, data)
}

func xorStream(key, data []byte) ([]byte, error) {
	// every key is used with a single nonce: keys are unique per salt
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
