package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"
)

// DigestSize is the length of every content digest on the wire.
const DigestSize = 32

// ErrShortPrefix is returned when a file is shorter than the requested prefix.
var ErrShortPrefix = errors.New("crypto: file shorter than prefix")

// NewHash returns a SHA-256 hasher using the SIMD implementation when available.
func NewHash() hash.Hash {
	return sha256.New()
}

// Sum256 digests data.
func Sum256(data []byte) [DigestSize]byte {
	return sha256.Sum256(data)
}

// DigestBytes digests data and returns it as a slice.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestFile digests a whole file.
func DigestFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file for digest: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("digest file: %w", err)
	}
	return hasher.Sum(nil), nil
}

// DigestPrefixBlocks digests the first n bytes of a file in one pass and
// also returns the digest of every whole blockSize block inside that prefix.
// A blockSize of zero or less yields no block digests.
func DigestPrefixBlocks(path string, n, blockSize int64) ([]byte, [][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open file for prefix digest: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	prefix := sha256.New()
	if blockSize <= 0 {
		copied, err := io.Copy(prefix, io.LimitReader(file, n))
		if err != nil {
			return nil, nil, fmt.Errorf("digest prefix: %w", err)
		}
		if copied != n {
			return nil, nil, ErrShortPrefix
		}
		return prefix.Sum(nil), nil, nil
	}

	var blocks [][]byte
	block := sha256.New()
	both := io.MultiWriter(prefix, block)
	for remaining := n; remaining > 0; {
		want := min(blockSize, remaining)
		copied, err := io.CopyN(both, file, want)
		if errors.Is(err, io.EOF) || copied != want {
			return nil, nil, ErrShortPrefix
		}
		if err != nil {
			return nil, nil, fmt.Errorf("digest prefix: %w", err)
		}
		if copied == blockSize {
			blocks = append(blocks, block.Sum(nil))
		}
		block.Reset()
		remaining -= copied
	}
	return prefix.Sum(nil), blocks, nil
}

// DigestHex formats a digest for logs and the boundary layer.
func DigestHex(digest []byte) string {
	return hex.EncodeToString(digest)
}
