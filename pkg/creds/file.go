package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shavakan/runs-local/pkg/logging"
)

const (
	recordsFileName  = "credentials.json"
	verifierFileName = "verifier.json"

	vaultDirPerm  = 0o700
	vaultFilePerm = 0o600
)

// Record is one encrypted token, stored alongside the salt used to derive
// its keystream. The ciphertext is never usable without both the salt and
// the correct password.
type Record struct {
	CipherText string    `json:"cipher_text"` // base64
	Salt       string    `json:"salt"`        // base64
	CreatedAt  time.Time `json:"created_at"`
}

// recordsFile is the on-disk schema for the encrypted-record file.
type recordsFile struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// verifierFile holds the one-way password hash. Stored separately from the
// records so that clearing one repository never touches it.
type verifierFile struct {
	Salt string `json:"salt"` // base64
	Hash string `json:"hash"` // base64
}

// FileStore is the password-encrypted local vault. All writes are serialized
// process-wide and performed as temp-file-plus-rename so a crash mid-write
// leaves the previous file intact.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *logging.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a vault rooted at dir, creating the directory with
// owner-only permissions if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	if err := os.MkdirAll(dir, vaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	// MkdirAll does not tighten an existing directory.
	if err := os.Chmod(dir, vaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to restrict vault directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logging.WithComponent(logging.LogTypeCreds, "file_store"),
	}, nil
}

// Save encrypts the token under a fresh salt and overwrites both the record
// for repo and the password verifier.
func (s *FileStore) Save(_ context.Context, repo, token, password string) error {
	if repo == "" {
		return fmt.Errorf("repository is required")
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}
	if password == "" {
		return fmt.Errorf("password is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecords()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if records == nil {
		records = &recordsFile{Version: 1, Records: map[string]Record{}}
	}

	salt := newSalt()
	stream, err := DeriveKeystream(password, salt, len(token))
	if err != nil {
		return fmt.Errorf("failed to derive keystream: %w", err)
	}
	cipher, err := XOR([]byte(token), stream)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	records.Records[repo] = Record{
		CipherText: base64.StdEncoding.EncodeToString(cipher),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		CreatedAt:  time.Now().UTC(),
	}

	verifierSalt := newSalt()
	verifier := verifierFile{
		Salt: base64.StdEncoding.EncodeToString(verifierSalt),
		Hash: base64.StdEncoding.EncodeToString(hashPassword(password, verifierSalt)),
	}

	if err := s.writeJSON(recordsFileName, records); err != nil {
		return err
	}
	if err := s.writeJSON(verifierFileName, &verifier); err != nil {
		return err
	}

	s.logger.Info("credential saved", logging.KeyRepo, repo)
	return nil
}

// Load decrypts and returns the token for repo. The verifier is checked
// first to fail fast on wrong passwords; the decoded token's shape is the
// authoritative check.
func (s *FileStore) Load(_ context.Context, repo, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecords()
	if err != nil {
		return "", err
	}
	rec, ok := records.Records[repo]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, repo)
	}

	if err := s.checkPassword(password); err != nil {
		return "", err
	}

	cipher, err := base64.StdEncoding.DecodeString(rec.CipherText)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext for %s is not valid base64", ErrCorrupt, repo)
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: salt for %s is not valid base64", ErrCorrupt, repo)
	}

	stream, err := DeriveKeystream(password, salt, len(cipher))
	if err != nil {
		return "", fmt.Errorf("failed to derive keystream: %w", err)
	}
	plain, err := XOR(cipher, stream)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	// The verifier matched, so the password is right; garbage here means the
	// record itself is damaged.
	if !plausibleToken(plain) {
		return "", fmt.Errorf("%w: decrypted token for %s failed shape check", ErrCorrupt, repo)
	}
	return string(plain), nil
}

// List returns the repositories with stored records, sorted.
func (s *FileStore) List(_ context.Context, password string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecords()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.checkPassword(password); err != nil {
		return nil, err
	}

	repos := make([]string, 0, len(records.Records))
	for repo := range records.Records {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}

// ClearOne deletes the record for repo. No password is required.
func (s *FileStore) ClearOne(_ context.Context, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecords()
	if err != nil {
		return err
	}
	if _, ok := records.Records[repo]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, repo)
	}
	delete(records.Records, repo)

	if err := s.writeJSON(recordsFileName, records); err != nil {
		return err
	}
	s.logger.Info("credential cleared", logging.KeyRepo, repo)
	return nil
}

// ClearAll deletes every record and the verifier.
func (s *FileStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{recordsFileName, verifierFileName} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	s.logger.Info("vault cleared")
	return nil
}

// checkPassword verifies the password against the stored verifier.
func (s *FileStore) checkPassword(password string) error {
	var v verifierFile
	if err := s.readJSON(verifierFileName, &v); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: verifier file missing", ErrCorrupt)
		}
		return err
	}
	salt, err := base64.StdEncoding.DecodeString(v.Salt)
	if err != nil {
		return fmt.Errorf("%w: verifier salt is not valid base64", ErrCorrupt)
	}
	hash, err := base64.StdEncoding.DecodeString(v.Hash)
	if err != nil {
		return fmt.Errorf("%w: verifier hash is not valid base64", ErrCorrupt)
	}
	if !verifyPassword(password, salt, hash) {
		return ErrAuth
	}
	return nil
}

// readRecords loads the records file, mapping a missing file to ErrNotFound.
func (s *FileStore) readRecords() (*recordsFile, error) {
	var records recordsFile
	if err := s.readJSON(recordsFileName, &records); err != nil {
		return nil, err
	}
	if records.Records == nil {
		records.Records = map[string]Record{}
	}
	return &records, nil
}

func (s *FileStore) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read %s: %v", ErrCorrupt, name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", ErrCorrupt, name, err)
	}
	return nil
}

// writeJSON writes v to name atomically: the payload goes to a temp file in
// the same directory, then renames over the target. A crash between write
// and rename leaves the previous file untouched.
func (s *FileStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(vaultFilePerm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to restrict temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s into place: %w", name, err)
	}
	return nil
}

// newSalt returns a fresh random 16-byte salt.
func newSalt() []byte {
	id := uuid.New()
	return id[:]
}
