// Package crypto provides content digests used to verify transferred files.
package crypto

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NewDigest returns an unkeyed BLAKE2b-256 hash.
func NewDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// New256 only fails for oversized keys.
		panic(err)
	}
	return h
}

// SumHex returns the lowercase hex digest accumulated in h.
func SumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// BytesDigest returns the hex digest of data.
func BytesDigest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileDigest streams the file at path through the digest.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for digest: %w", err)
	}
	defer f.Close()

	h := NewDigest()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest file: %w", err)
	}
	return SumHex(h), nil
}

// FormatDigest returns digest text grouped in chunks of 4 uppercase chars.
func FormatDigest(digest string) string {
	clean := strings.ToUpper(strings.ReplaceAll(digest, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
