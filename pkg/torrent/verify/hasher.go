// Package verify checks downloaded pieces against their expected digests,
// either one at a time as pieces complete or all at once for a recheck.
package verify

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"strings"

	sha256 "github.com/minio/sha256-simd"

	"github.com/NamanBalaji/leech/internal/errors"
)

// Hasher computes piece digests with one algorithm.
type Hasher struct {
	name    string
	newHash func() hash.Hash
	size    int
}

// NewHasher returns the hasher for algorithm, "sha1" or "sha256".
func NewHasher(algorithm string) (Hasher, error) {
	switch strings.ToLower(algorithm) {
	case "sha1", "":
		return Hasher{name: "sha1", newHash: sha1.New, size: sha1.Size}, nil
	case "sha256":
		return Hasher{name: "sha256", newHash: sha256.New, size: sha256.Size}, nil
	default:
		return Hasher{}, errors.NewConfigError("hasher", fmt.Errorf("unknown hash algorithm %q", algorithm))
	}
}

func (h Hasher) Name() string { return h.name }

// Size returns the digest length in bytes.
func (h Hasher) Size() int { return h.size }

func (h Hasher) Sum(data []byte) []byte {
	d := h.newHash()
	d.Write(data)
	return d.Sum(nil)
}

// Match reports whether data hashes to want.
func (h Hasher) Match(data, want []byte) bool {
	return bytes.Equal(h.Sum(data), want)
}

// checkHashes validates a digest list against the piece count.
func checkHashes(h Hasher, hashes [][]byte, pieces int) error {
	if len(hashes) != pieces {
		return errors.NewConfigError("hashes", fmt.Errorf("%d digests for %d pieces", len(hashes), pieces))
	}

	for i, sum := range hashes {
		if len(sum) != h.size {
			return errors.NewConfigError("hashes", fmt.Errorf("digest of piece %d is %d bytes, %s needs %d",
				i, len(sum), h.name, h.size))
		}
	}

	return nil
}
