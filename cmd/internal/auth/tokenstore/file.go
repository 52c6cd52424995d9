package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists the pair as a JSON document on disk.
//
// Saves write a temp file in the same directory and rename it over the target,
// so a crash mid-write leaves the previous pair intact. When a passphrase is
// configured the pair is sealed with Argon2id + XChaCha20-Poly1305.
type FileStore struct {
	path       string
	passphrase []byte

	mu   sync.Mutex
	self fileState
}

// fileState is what this store last left on disk.
type fileState struct {
	known  bool
	exists bool
	sum    [sha256.Size]byte
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithPassphrase enables sealing. An empty passphrase leaves the file in plaintext.
func WithPassphrase(passphrase string) FileOption {
	return func(s *FileStore) {
		if strings.TrimSpace(passphrase) == "" {
			return
		}
		s.passphrase = []byte(passphrase)
	}
}

// NewFileStore returns a store writing to path (DefaultFilePath when blank).
func NewFileStore(path string, opts ...FileOption) *FileStore {
	if strings.TrimSpace(path) == "" {
		path = DefaultFilePath()
	}
	s := &FileStore{path: filepath.Clean(path)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// DefaultFilePath returns ~/.arclink/tokens.json (relative fallback without a home dir).
func DefaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".arclink", "tokens.json")
	}
	return filepath.Join(home, ".arclink", "tokens.json")
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

type fileDoc struct {
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Sealed       *sealedDoc `json:"sealed,omitempty"`
}

func (s *FileStore) Load(_ context.Context) (Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Pair{}, nil
		}
		return Pair{}, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Pair{}, nil
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Pair{}, fmt.Errorf("decode token file: %w", err)
	}

	if doc.Sealed != nil {
		if len(s.passphrase) == 0 {
			return Pair{}, ErrSealed
		}
		pt, err := unseal(s.passphrase, doc.Sealed)
		if err != nil {
			return Pair{}, err
		}
		var values map[string]string
		if err := json.Unmarshal(pt, &values); err != nil {
			return Pair{}, fmt.Errorf("%w: payload: %v", ErrUnseal, err)
		}
		return fromValues(values), nil
	}

	return fromValues(map[string]string{
		KeyAccessToken:  doc.AccessToken,
		KeyRefreshToken: doc.RefreshToken,
	}), nil
}

func (s *FileStore) Save(_ context.Context, p Pair) error {
	if err := p.validate(); err != nil {
		return err
	}

	var doc fileDoc
	if len(s.passphrase) > 0 {
		pt, err := json.Marshal(map[string]string{
			KeyAccessToken:  p.AccessToken,
			KeyRefreshToken: p.RefreshToken,
		})
		if err != nil {
			return err
		}
		sealed, err := seal(s.passphrase, pt)
		if err != nil {
			return fmt.Errorf("seal token file: %w", err)
		}
		doc.Sealed = sealed
	} else {
		doc.AccessToken = p.AccessToken
		doc.RefreshToken = p.RefreshToken
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path, payload); err != nil {
		return err
	}
	s.self = fileState{known: true, exists: true, sum: sha256.Sum256(payload)}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.self = fileState{known: true}
	return nil
}

// ownWrite reports whether the file still holds exactly what this store last
// saved or cleared.
func (s *FileStore) ownWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.self.known {
		return false
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return !s.self.exists
	}
	if err != nil {
		return false
	}
	return s.self.exists && sha256.Sum256(data) == s.self.sum
}

func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return cause
	}

	if err := tmp.Chmod(0o600); err != nil {
		return cleanup(fmt.Errorf("chmod temp file: %w", err))
	}
	if _, err := tmp.Write(payload); err != nil {
		return cleanup(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
