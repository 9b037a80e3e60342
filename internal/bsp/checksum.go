package bsp

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// HashAlgorithm names a supported artifact digest.
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
	BLAKE3 HashAlgorithm = "blake3"
)

var digestLen = map[HashAlgorithm]int{SHA256: 64, SHA512: 128, BLAKE3: 64}

// Checksum is an expected artifact digest.
type Checksum struct {
	Algorithm HashAlgorithm
	Hex       string
}

func (c Checksum) String() string {
	return string(c.Algorithm) + ":" + c.Hex
}

// IsZero reports whether no checksum was configured.
func (c Checksum) IsZero() bool {
	return c.Hex == ""
}

// ParseChecksum accepts "sha256:<hex>", "sha512:<hex>", "blake3:<hex>" or a
// bare hex digest whose length selects sha256 (64) or sha512 (128).
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	var algo HashAlgorithm
	digest := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		algo = HashAlgorithm(strings.ToLower(prefix))
		digest = rest
		switch algo {
		case SHA256, SHA512, BLAKE3:
		default:
			return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", prefix)
		}
	} else {
		switch len(digest) {
		case 64:
			algo = SHA256
		case 128:
			algo = SHA512
		default:
			return Checksum{}, fmt.Errorf("cannot infer checksum algorithm from %d hex digits", len(digest))
		}
	}

	digest = strings.ToLower(digest)
	if _, err := hex.DecodeString(digest); err != nil {
		return Checksum{}, fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	if want := digestLen[algo]; len(digest) != want {
		return Checksum{}, fmt.Errorf("invalid %s checksum: want %d hex digits, got %d", algo, want, len(digest))
	}
	return Checksum{Algorithm: algo, Hex: digest}, nil
}

func newHasher(algo HashAlgorithm) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		// 32-byte output, unkeyed, same as b3sum
		return blake3.New(32, nil), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
}

// ComputeChecksum hashes the whole file at path.
func ComputeChecksum(path string, algo HashAlgorithm) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumMismatchError reports a downloaded or cached file whose digest
// differs from the registry.
type ChecksumMismatchError struct {
	Path     string
	Expected Checksum
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s:%s", e.Path, e.Expected, e.Expected.Algorithm, e.Actual)
}

// matches hashes path and compares it against want. A missing file is not an
// error, it simply does not match.
func matches(path string, want Checksum) (bool, string, error) {
	got, err := ComputeChecksum(path, want.Algorithm)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", err
	}
	return got == want.Hex, got, nil
}
