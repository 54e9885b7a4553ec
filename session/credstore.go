package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

const (
	bundleFilename = "bundle.cbor"
	lockFilename   = "adapter.lock"
)

// Session ids become directory names on disk, so they are restricted to a
// safe character set.
var validSessionID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// CredentialBundle is the connector-owned metadata for one paired session.
// The chat-protocol engine keeps its own key files alongside it in the same
// directory and rotates them as it pleases; this bundle only records what
// the connector needs to restore and display the session.
type CredentialBundle struct {
	SessionID string    `cbor:"1,keyasint"`
	Identity  string    `cbor:"2,keyasint"`
	PairedAt  time.Time `cbor:"3,keyasint"`
	UpdatedAt time.Time `cbor:"4,keyasint"`
}

// CredentialStore manages one credential directory per session id under a
// fixed root. Directory existence at boot implies the session should be
// restored.
type CredentialStore struct {
	root   string
	logger zerolog.Logger
}

func NewCredentialStore(root string, logger zerolog.Logger) (*CredentialStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("CredentialStore: cannot create root %s: %w", root, err)
	}
	return &CredentialStore{
		root:   root,
		logger: logger,
	}, nil
}

// Dir returns the credential directory path for this session id. The
// directory may not exist yet.
func (s *CredentialStore) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// EnsureDir creates the credential directory for this session id if needed
// and returns its path.
func (s *CredentialStore) EnsureDir(sessionID string) (string, error) {
	if !validSessionID.MatchString(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	dir := s.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create credential dir for %s: %w", sessionID, err)
	}
	return dir, nil
}

// Exists reports whether a credential directory exists for this session id.
func (s *CredentialStore) Exists(sessionID string) bool {
	if !validSessionID.MatchString(sessionID) {
		return false
	}
	fi, err := os.Stat(s.Dir(sessionID))
	return err == nil && fi.IsDir()
}

// List enumerates the session ids with a credential directory, for boot-time
// restoration.
func (s *CredentialStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate credential root %s: %w", s.root, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && validSessionID.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes the whole credential directory for this session id. Only
// called on permanent logout; transient disconnects leave credentials intact.
func (s *CredentialStore) Delete(sessionID string) error {
	if !validSessionID.MatchString(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	return os.RemoveAll(s.Dir(sessionID))
}

// SaveBundle writes the bundle atomically (write to temp file, rename).
func (s *CredentialStore) SaveBundle(b *CredentialBundle) error {
	dir, err := s.EnsureDir(b.SessionID)
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(b)
	if err != nil {
		return fmt.Errorf("cannot encode bundle for %s: %w", b.SessionID, err)
	}
	tmp := filepath.Join(dir, bundleFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, bundleFilename))
}

// LoadBundle reads the bundle for this session id, or returns nil with no
// error if the directory exists but no bundle was ever written (a session
// which never completed pairing).
func (s *CredentialStore) LoadBundle(sessionID string) (*CredentialBundle, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(sessionID), bundleFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b CredentialBundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("cannot decode bundle for %s: %w", sessionID, err)
	}
	return &b, nil
}

// AcquireLock creates the adapter lock file for this session id. It fails if
// the lock is already held, which means another live adapter (possibly in
// another process) owns the directory.
func (s *CredentialStore) AcquireLock(sessionID string) error {
	path := filepath.Join(s.Dir(sessionID), lockFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("credential dir for %s is locked: %w", sessionID, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

// ReleaseLock removes the adapter lock file. Removing an already-absent lock
// is not an error.
func (s *CredentialStore) ReleaseLock(sessionID string) error {
	err := os.Remove(filepath.Join(s.Dir(sessionID), lockFilename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ClearStaleLock forcibly removes any lingering lock file before a new
// adapter is constructed. The manager serializes adapter instantiation per
// session id, so any lock present at this point belongs to a crashed prior
// process (or a prior instance of this one) and is safe to clear.
func (s *CredentialStore) ClearStaleLock(sessionID string) {
	path := filepath.Join(s.Dir(sessionID), lockFilename)
	if _, err := os.Stat(path); err != nil {
		return
	}
	s.logger.Warn().Str("session", sessionID).Msg("clearing stale adapter lock")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Err(err).Str("session", sessionID).Msg("failed to clear stale adapter lock")
	}
}
