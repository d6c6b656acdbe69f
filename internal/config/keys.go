package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// nodeIDLen is the number of key-hash bytes in a node id.
const nodeIDLen = 20

// GenerateKeyPair generates a new ED25519 SSH key pair and saves it to disk.
// The private key is saved to privPath and public key to privPath.pub
func GenerateKeyPair(privPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("create SSH public key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPath := privPath + ".pub"
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadPrivateKey loads an SSH private key from disk.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// EnsureKeyPairExists loads an existing key pair or generates a new one.
func EnsureKeyPairExists(privPath string) (ssh.Signer, error) {
	signer, err := LoadPrivateKey(privPath)
	if err == nil {
		return signer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := GenerateKeyPair(privPath); err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return LoadPrivateKey(privPath)
}

// NodeID derives a storage node's identifier from its public key: the
// lowercase base32 form of the first 20 bytes of its SHA-256.
// Peer permutation and write enablers are keyed on this id, so it must stay
// stable for as long as the node holds shares.
func NodeID(key ssh.PublicKey) string {
	hash := sha256.Sum256(key.Marshal())
	return hashutil.B2A(hash[:nodeIDLen])
}

// LoadNodeID loads (or creates) the node key at path and returns its node id.
func LoadNodeID(path string) (string, error) {
	signer, err := EnsureKeyPairExists(path)
	if err != nil {
		return "", err
	}
	return NodeID(signer.PublicKey()), nil
}
