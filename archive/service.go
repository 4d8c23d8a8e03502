// Package archive computes content hashes, encrypts locked contract
// artifacts, and re-verifies them on demand. Algorithm and cipher are fixed
// constants so verification stays deterministic against historical artifacts.
package archive

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AlgorithmID tags every artifact with the hash and cipher that produced it.
const AlgorithmID = "sha256+chacha20poly1305"

// Config carries the process-wide encryption key, injected at construction
// and read-only afterwards.
type Config struct {
	Key []byte // exactly chacha20poly1305.KeySize bytes
}

// Result is the outcome of one integrity check.
type Result struct {
	Verified       bool
	MismatchDetail string
}

// Service archives and verifies contract artifacts through an ObjectStore.
type Service struct {
	key   []byte
	store ObjectStore
}

func NewService(cfg Config, store ObjectStore) (*Service, error) {
	if len(cfg.Key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("archive: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(cfg.Key))
	}
	if store == nil {
		return nil, fmt.Errorf("archive: object store required")
	}
	key := make([]byte, len(cfg.Key))
	copy(key, cfg.Key)
	return &Service{key: key, store: store}, nil
}

func artifactPath(reference string) string {
	return "contracts/" + reference + ".enc"
}

// Archive hashes the signed content, encrypts it with a fresh nonce, and
// stores nonce||ciphertext. Called exactly once per contract, at lock time.
func (s *Service) Archive(ctx context.Context, reference string, content []byte) (hash, storageRef, algorithm string, err error) {
	if reference == "" {
		return "", "", "", fmt.Errorf("archive: contract reference required")
	}
	if len(content) == 0 {
		return "", "", "", fmt.Errorf("archive: empty artifact content")
	}

	digest := sha256.Sum256(content)

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return "", "", "", fmt.Errorf("archive: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", "", fmt.Errorf("archive: generate nonce: %w", err)
	}
	// The contract reference is bound as additional data so a blob cannot be
	// silently swapped between contracts.
	sealed := aead.Seal(nonce, nonce, content, []byte(reference))

	path := artifactPath(reference)
	if err := s.store.Put(ctx, path, sealed); err != nil {
		return "", "", "", err
	}

	return hex.EncodeToString(digest[:]), path, AlgorithmID, nil
}

// Verify decrypts the stored artifact, recomputes its hash, and compares it
// to the recorded one. Read-only; a mismatch is surfaced, never corrected.
func (s *Service) Verify(ctx context.Context, reference, storageRef, wantHash string) (Result, error) {
	if storageRef == "" || wantHash == "" {
		return Result{MismatchDetail: "no archived artifact recorded"}, nil
	}

	sealed, err := s.store.Get(ctx, storageRef)
	if err != nil {
		return Result{}, err
	}

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return Result{}, fmt.Errorf("archive: init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return Result{MismatchDetail: "stored artifact truncated"}, nil
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	content, err := aead.Open(nil, nonce, ciphertext, []byte(reference))
	if err != nil {
		// Authentication failure is itself evidence of tampering.
		return Result{MismatchDetail: "artifact authentication failed"}, nil
	}

	digest := sha256.Sum256(content)
	got := hex.EncodeToString(digest[:])
	if got != wantHash {
		return Result{MismatchDetail: fmt.Sprintf("hash mismatch: recorded %s, recomputed %s", wantHash, got)}, nil
	}
	return Result{Verified: true}, nil
}
