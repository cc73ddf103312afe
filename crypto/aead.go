package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/cpu"
)

// Suite names an AEAD construction a channel can run.
type Suite string

const (
	// SuiteAESGCM is AES-256-GCM, fast with AES hardware.
	SuiteAESGCM Suite = "AES-256-GCM"
	// SuiteChaCha20Poly1305 is the software-friendly suite.
	SuiteChaCha20Poly1305 Suite = "CHACHA20-POLY1305"
)

var hasAESHardware = cpu.X86.HasAES || cpu.ARM64.HasAES || cpu.S390X.HasAES

// SupportedSuites lists the local suites in preference order.
func SupportedSuites() []Suite {
	if hasAESHardware {
		return []Suite{SuiteAESGCM, SuiteChaCha20Poly1305}
	}
	return []Suite{SuiteChaCha20Poly1305, SuiteAESGCM}
}

// NegotiateSuite picks the first local preference the peer also offers.
func NegotiateSuite(local []Suite, offered []string) (Suite, bool) {
	for _, suite := range local {
		for _, candidate := range offered {
			if string(suite) == candidate {
				return suite, true
			}
		}
	}
	return "", false
}

// NewAEAD builds the AEAD for suite with a 32-byte key.
func NewAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid %s key length: got %d want %d", suite, len(key), KeySize)
	}

	switch suite {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		return aead, nil
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("unsupported cipher suite %q", suite)
	}
}
