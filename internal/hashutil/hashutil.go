// Package hashutil provides the domain-tagged hashes and key derivations used
// throughout the grid.
package hashutil

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// Hash tags. Every hash in the system is computed under exactly one of these.
const (
	TagEmptyLeaf    = "Merkle tree empty leaf"
	TagInternalNode = "Merkle tree internal node"
	TagBlock        = "allmydata_encoded_subshare_v1"
	TagWriteKey     = "allmydata_mutable_privkey_to_writekey_v1"
	TagReadKey      = "allmydata_mutable_writekey_to_readkey_v1"
	TagStorageIndex = "allmydata_mutable_readkey_to_storage_index_v1"
	TagFingerprint  = "allmydata_mutable_pubkey_to_fingerprint_v1"
	TagWriteEnabler = "allmydata_mutable_writekey_to_write_enabler_master_v1"
	TagPeerEnabler  = "allmydata_mutable_write_enabler_master_and_nodeid_v1"
	TagRenewSecret  = "allmydata_mutable_renew_secret_v1"
	TagCancelSecret = "allmydata_mutable_cancel_secret_v1"
	TagPermutation  = "allmydata_peer_permutation_v1"

	infoDataKey    = "sharegrid-mutable-data-key"
	infoPrivkeyKey = "sharegrid-mutable-privkey-key"
)

// Sizes.
const (
	KeyLen          = 16
	HashLen         = 32
	SymmetricKeyLen = 32
	StorageIndexLen = 16

	shortIDLen = 8
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Netstring frames s as "<len>:<s>,".
func Netstring(s []byte) []byte {
	out := make([]byte, 0, len(s)+12)
	out = append(out, fmt.Sprintf("%d:", len(s))...)
	out = append(out, s...)
	return append(out, ',')
}

// TaggedHash hashes val under tag.
func TaggedHash(tag string, val []byte) [HashLen]byte {
	h := blake3.New()
	_, _ = h.Write(Netstring([]byte(tag)))
	_, _ = h.Write(val)
	var out [HashLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// TaggedPairHash hashes the ordered pair (a, b) under tag.
func TaggedPairHash(tag string, a, b []byte) [HashLen]byte {
	val := append(Netstring(a), Netstring(b)...)
	return TaggedHash(tag, val)
}

// BlockHash is the leaf hash of one erasure-coded block.
func BlockHash(data []byte) []byte {
	h := TaggedHash(TagBlock, data)
	return h[:]
}

// WriteKey derives the write key from a serialized private key.
func WriteKey(privkey []byte) []byte {
	h := TaggedHash(TagWriteKey, privkey)
	return h[:KeyLen]
}

// ReadKey derives the read key from the write key.
func ReadKey(writekey []byte) []byte {
	h := TaggedHash(TagReadKey, writekey)
	return h[:KeyLen]
}

// StorageIndex derives the storage index from the read key.
func StorageIndex(readkey []byte) []byte {
	h := TaggedHash(TagStorageIndex, readkey)
	return h[:StorageIndexLen]
}

// PubkeyFingerprint identifies a serialized verification key.
func PubkeyFingerprint(pubkey []byte) []byte {
	h := TaggedHash(TagFingerprint, pubkey)
	return h[:]
}

// WriteEnabler derives the per-peer secret authorizing writes to a slot.
func WriteEnabler(writekey []byte, peerID string) []byte {
	master := TaggedHash(TagWriteEnabler, writekey)
	h := TaggedPairHash(TagPeerEnabler, master[:], []byte(peerID))
	return h[:]
}

// RenewSecret derives the per-peer lease renewal secret.
func RenewSecret(writekey []byte, storageIndex []byte, peerID string) []byte {
	h := TaggedPairHash(TagRenewSecret, append(append([]byte{}, writekey...), storageIndex...), []byte(peerID))
	return h[:]
}

// CancelSecret derives the per-peer lease cancel secret.
func CancelSecret(writekey []byte, storageIndex []byte, peerID string) []byte {
	h := TaggedPairHash(TagCancelSecret, append(append([]byte{}, writekey...), storageIndex...), []byte(peerID))
	return h[:]
}

// PermutationKey orders peers for a given storage index.
func PermutationKey(storageIndex []byte, peerID string) [HashLen]byte {
	return TaggedPairHash(TagPermutation, []byte(peerID), storageIndex)
}

// DataKey derives the symmetric key for one version's ciphertext.
func DataKey(readkey, salt []byte) ([]byte, error) {
	return derive(readkey, salt, infoDataKey)
}

// PrivkeyKey derives the symmetric key protecting the encrypted private key.
func PrivkeyKey(writekey []byte) ([]byte, error) {
	return derive(writekey, nil, infoPrivkeyKey)
}

func derive(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, SymmetricKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return key, nil
}

// B2A encodes b as lowercase unpadded base32.
func B2A(b []byte) string {
	return strings.ToLower(b32.EncodeToString(b))
}

// A2B decodes lowercase unpadded base32.
func A2B(s string) ([]byte, error) {
	b, err := b32.DecodeString(strings.ToUpper(s))
	if err != nil {
		return nil, fmt.Errorf("decode base32: %w", err)
	}
	return b, nil
}

// B2AOrNone is B2A, or "None" for a nil slice.
func B2AOrNone(b []byte) string {
	if b == nil {
		return "None"
	}
	return B2A(b)
}

// ShortID abbreviates an identifier for log lines.
func ShortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

// SIPrefix abbreviates a storage index for log lines.
func SIPrefix(storageIndex []byte) string {
	s := B2A(storageIndex)
	if len(s) > 5 {
		return s[:5]
	}
	return s
}
