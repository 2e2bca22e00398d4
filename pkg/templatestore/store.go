// Package templatestore persists one encrypted template per enrolled
// identity plus the serialized similarity index. Records are AES-256-GCM
// encrypted under keys derived from the device root secret; writes are
// atomic (temp file + rename) so a cancelled session never leaves partial
// state, and a per-store mutex plus a per-record version counter give
// read-after-write consistency to the state machine.
package templatestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"veilauth/pkg/policy"
)

var (
	// ErrDuplicateIdentity means a template already exists and re-enrollment
	// was not requested.
	ErrDuplicateIdentity = errors.New("templatestore: identity already enrolled")
	// ErrTemplateNotFound means no template exists for the identity.
	ErrTemplateNotFound = errors.New("templatestore: template not found")
	// ErrStorage wraps I/O and encryption failures. Fatal to the current
	// operation, never to the process.
	ErrStorage = errors.New("templatestore: storage failure")
)

const (
	templateExt = ".tpl"
	indexFile   = "index.bin"

	infoTemplates = "veilauth/store/templates/v1"
	infoIndex     = "veilauth/store/index/v1"
)

// Template is the durable record for one enrolled identity. The raw feature
// vector is never stored; Secret holds the sealed commitment opening, which
// only exists inside this store's encryption boundary.
type Template struct {
	IdentityID       string             `json:"identity_id"`
	Commitment       []byte             `json:"commitment"`
	Secret           []byte             `json:"secret"`
	Threshold        float64            `json:"threshold"`
	ExtractorVersion string             `json:"extractor_version"`
	CreatedAt        time.Time          `json:"created_at"`
	LastVerifiedAt   time.Time          `json:"last_verified_at"`
	Decay            policy.DecayPolicy `json:"decay"`
	Version          uint64             `json:"version"`
}

// Config configures a Store.
type Config struct {
	Dir     string // storage directory; created if absent
	RootKey []byte // 32-byte device root secret
}

// Store is the encrypted local persistence layer. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	dir    string
	tplEnc *encryptor
	idxEnc *encryptor
}

// NewStore opens (or creates) the store directory and derives the
// per-purpose encryption keys from the device root secret.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrStorage)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir: %v", ErrStorage, err)
	}
	tplKey, err := deriveKey(cfg.RootKey, infoTemplates)
	if err != nil {
		return nil, err
	}
	idxKey, err := deriveKey(cfg.RootKey, infoIndex)
	if err != nil {
		return nil, err
	}
	tplEnc, err := newEncryptor(tplKey)
	if err != nil {
		return nil, err
	}
	idxEnc, err := newEncryptor(idxKey)
	if err != nil {
		return nil, err
	}
	return &Store{dir: cfg.Dir, tplEnc: tplEnc, idxEnc: idxEnc}, nil
}

// Put writes a new template. Fails with ErrDuplicateIdentity when one
// already exists; enrollment without the re-enroll flag must not clobber.
func (s *Store) Put(t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(t.IdentityID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, t.IdentityID)
	}
	t.Version = 1
	return s.writeLocked(t)
}

// Replace overwrites the template for an existing identity (re-enrollment
// or adaptive update) and bumps its version.
func (s *Store) Replace(t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.readLocked(t.IdentityID)
	if err != nil {
		return err
	}
	t.Version = cur.Version + 1
	return s.writeLocked(t)
}

// Get loads the template for identityID. The returned record reflects the
// most recent successful Put/Replace/Touch.
func (s *Store) Get(identityID string) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(identityID)
}

// Touch updates LastVerifiedAt in place without changing anything else.
func (s *Store) Touch(identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.readLocked(identityID)
	if err != nil {
		return err
	}
	t.LastVerifiedAt = at
	t.Version++
	return s.writeLocked(t)
}

// Delete removes the template for identityID.
func (s *Store) Delete(identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(identityID)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, identityID)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove: %v", ErrStorage, err)
	}
	return nil
}

// List returns all enrolled identity IDs.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: readdir: %v", ErrStorage, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), templateExt) {
			continue
		}
		t, err := s.decodeFile(filepath.Join(s.dir, e.Name()), "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, t.IdentityID)
	}
	return ids, nil
}

// Wipe destroys every template and the index snapshot. Used on device loss
// or reset.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: readdir: %v", ErrStorage, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), templateExt) || e.Name() == indexFile {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return fmt.Errorf("%w: remove %s: %v", ErrStorage, e.Name(), err)
			}
		}
	}
	return nil
}

// SaveIndex persists the serialized similarity index, encrypted like any
// other record.
func (s *Store) SaveIndex(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.idxEnc.seal(data, []byte(indexFile))
	if err != nil {
		return fmt.Errorf("%w: seal index: %v", ErrStorage, err)
	}
	return s.atomicWrite(filepath.Join(s.dir, indexFile), sealed)
}

// LoadIndex restores the serialized similarity index. Returns
// ErrTemplateNotFound when no snapshot exists yet.
func (s *Store) LoadIndex() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: index snapshot", ErrTemplateNotFound)
		}
		return nil, fmt.Errorf("%w: read index: %v", ErrStorage, err)
	}
	plain, err := s.idxEnc.open(raw, []byte(indexFile))
	if err != nil {
		return nil, fmt.Errorf("%w: open index: %v", ErrStorage, err)
	}
	return plain, nil
}

func (s *Store) writeLocked(t *Template) error {
	plain, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrStorage, err)
	}
	sealed, err := s.tplEnc.seal(plain, nil)
	if err != nil {
		return fmt.Errorf("%w: seal: %v", ErrStorage, err)
	}
	return s.atomicWrite(s.pathFor(t.IdentityID), sealed)
}

func (s *Store) readLocked(identityID string) (*Template, error) {
	path := s.pathFor(identityID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, identityID)
	}
	return s.decodeFile(path, identityID)
}

// decodeFile decrypts one record. When wantID is non-empty the embedded
// identity must match; GCM already authenticates the whole record.
func (s *Store) decodeFile(path, wantID string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	plain, err := s.tplEnc.open(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrStorage, err)
	}
	var t Template
	if err := json.Unmarshal(plain, &t); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrStorage, err)
	}
	if wantID != "" && t.IdentityID != wantID {
		return nil, fmt.Errorf("%w: record identity mismatch", ErrStorage)
	}
	return &t, nil
}

func (s *Store) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) pathFor(identityID string) string {
	sum := sha256.Sum256([]byte(identityID))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+templateExt)
}
