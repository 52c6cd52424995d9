package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for deriving the file sealing key from a passphrase.
// They are persisted alongside the ciphertext so they can be raised later
// without breaking existing files.
const (
	sealArgonTime      uint32 = 2
	sealArgonMemoryKiB uint32 = 64 * 1024
	sealArgonThreads   uint8  = 2
	sealSaltBytes             = 16
)

type sealedDoc struct {
	Alg       string `json:"alg"`
	Time      uint32 `json:"t"`
	MemoryKiB uint32 `json:"m"`
	Threads   uint8  `json:"p"`
	Salt      string `json:"salt"`
	Nonce     string `json:"nonce"`
	Data      string `json:"data"`
}

const sealAlg = "argon2id+xchacha20poly1305"

func deriveKey(passphrase, salt []byte, t, m uint32, p uint8) []byte {
	return argon2.IDKey(passphrase, salt, t, m, p, chacha20poly1305.KeySize)
}

func seal(passphrase, plaintext []byte) (*sealedDoc, error) {
	salt := make([]byte, sealSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, sealArgonTime, sealArgonMemoryKiB, sealArgonThreads))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ct := aead.Seal(nil, nonce, plaintext, []byte(sealAlg))

	return &sealedDoc{
		Alg:       sealAlg,
		Time:      sealArgonTime,
		MemoryKiB: sealArgonMemoryKiB,
		Threads:   sealArgonThreads,
		Salt:      base64.RawStdEncoding.EncodeToString(salt),
		Nonce:     base64.RawStdEncoding.EncodeToString(nonce),
		Data:      base64.RawStdEncoding.EncodeToString(ct),
	}, nil
}

func unseal(passphrase []byte, doc *sealedDoc) ([]byte, error) {
	if doc.Alg != sealAlg {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrUnseal, doc.Alg)
	}
	// Bounds keep a tampered file from forcing a huge allocation.
	if doc.Time == 0 || doc.Time > 16 || doc.MemoryKiB == 0 || doc.MemoryKiB > 1<<20 || doc.Threads == 0 {
		return nil, fmt.Errorf("%w: bad kdf params", ErrUnseal)
	}

	salt, err := base64.RawStdEncoding.DecodeString(doc.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrUnseal, err)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(doc.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce", ErrUnseal)
	}
	ct, err := base64.RawStdEncoding.DecodeString(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrUnseal, err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, doc.Time, doc.MemoryKiB, doc.Threads))
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, nonce, ct, []byte(sealAlg))
	if err != nil {
		return nil, ErrUnseal
	}
	return pt, nil
}
