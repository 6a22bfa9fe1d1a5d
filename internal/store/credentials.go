// Package store persists the two flat-file formats this broker keeps
// outside the process: the credential store (fixed-width segments,
// Argon2-hashed passwords) and each client's per-topic subscription log.
package store

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/zindgh/mqtt-broker/internal/metrics"
)

// Segment layout of the credential file: one 311-byte record per user,
// back to back, no separators between records.
const (
	segmentSize = 311
	usernameCap = 30
	passwordCap = 256
	algCap      = 10
	saltCap     = 10
	fieldSep    = 0x1f
	recordEnd   = 0x0A
)

const algArgon2id = "argon2id"

// argon2 tuning. Matches the defaults a single-broker-process deployment
// can afford; not configurable since no component needs it to be.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// ErrUsernameNotFound is returned by Authenticate/lookups when no
// segment matches the given username.
var ErrUsernameNotFound = errors.New("store: username not found")

// ErrUsernameExists is returned by Create when the username is already
// present.
var ErrUsernameExists = errors.New("store: username already exists")

// CredentialStore is the append-only, fixed-width-segment username/password
// table, grounded on the source's Authenticator.
type CredentialStore struct {
	mu   sync.Mutex
	path string
}

// NewCredentialStore opens (creating if absent) the credential file at
// path.
func NewCredentialStore(path string) (*CredentialStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	f.Close()
	return &CredentialStore{path: path}, nil
}

// Authenticate verifies username/password against the stored segment. A
// CONNECT with no username is never routed here; one with a username but
// no password always fails.
func (s *CredentialStore) Authenticate(username string, password []byte, hasPassword bool) (bool, error) {
	ok, err := s.authenticate(username, password, hasPassword)
	switch {
	case err != nil:
		metrics.CredentialAuthOutcomes.WithLabelValues("error").Inc()
	case ok:
		metrics.CredentialAuthOutcomes.WithLabelValues("success").Inc()
	default:
		metrics.CredentialAuthOutcomes.WithLabelValues("denied").Inc()
	}
	return ok, err
}

func (s *CredentialStore) authenticate(username string, password []byte, hasPassword bool) (bool, error) {
	if !hasPassword {
		return false, nil
	}
	rec, err := s.lookup(username)
	if err != nil {
		if errors.Is(err, ErrUsernameNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.alg != algArgon2id {
		return false, fmt.Errorf("store: unsupported alg %q", rec.alg)
	}
	salt, err := base64.RawStdEncoding.DecodeString(rec.salt)
	if err != nil {
		return false, fmt.Errorf("store: decode salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(rec.password)
	if err != nil {
		return false, fmt.Errorf("store: decode hash: %w", err)
	}
	derived := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, uint32(len(stored)))
	return subtle.ConstantTimeCompare(derived, stored) == 1, nil
}

// Create appends a new credential segment for username, hashing password
// with a fresh random salt. It fails with ErrUsernameExists if the
// username is already registered.
func (s *CredentialStore) Create(username string, password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupLocked(username); err == nil {
		return ErrUsernameExists
	} else if !errors.Is(err, ErrUsernameNotFound) {
		return err
	}

	// 7 raw bytes base64-encode to exactly the 10 characters the salt
	// field holds.
	salt := make([]byte, 7)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("store: generate salt: %w", err)
	}
	hash := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	seg, err := encodeSegment(username, base64.RawStdEncoding.EncodeToString(hash), algArgon2id, base64.RawStdEncoding.EncodeToString(salt))
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("store: open for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(seg); err != nil {
		return fmt.Errorf("store: write segment: %w", err)
	}
	return f.Sync()
}

// HashedPassword is a pre-derived credential: the Argon2 hash and the
// salt it was derived with, both base64 (raw) encoded. CreateHashed
// stores it verbatim instead of deriving a fresh hash.
type HashedPassword struct {
	Hash string
	Salt string
}

// CreateHashed appends a segment for username with an already-derived
// hash, stored as given.
func (s *CredentialStore) CreateHashed(username string, hp HashedPassword) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupLocked(username); err == nil {
		return ErrUsernameExists
	} else if !errors.Is(err, ErrUsernameNotFound) {
		return err
	}

	seg, err := encodeSegment(username, hp.Hash, algArgon2id, hp.Salt)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("store: open for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(seg); err != nil {
		return fmt.Errorf("store: write segment: %w", err)
	}
	return f.Sync()
}

// AuthenticateHash compares a caller-supplied, already-derived hash
// against the stored one by equality, the counterpart to plaintext
// verification for clients that present the derived value directly.
func (s *CredentialStore) AuthenticateHash(username, hashEnc string) (bool, error) {
	rec, err := s.lookup(username)
	if err != nil {
		if errors.Is(err, ErrUsernameNotFound) {
			metrics.CredentialAuthOutcomes.WithLabelValues("denied").Inc()
			return false, nil
		}
		metrics.CredentialAuthOutcomes.WithLabelValues("error").Inc()
		return false, err
	}
	ok := subtle.ConstantTimeCompare([]byte(rec.password), []byte(hashEnc)) == 1
	if ok {
		metrics.CredentialAuthOutcomes.WithLabelValues("success").Inc()
	} else {
		metrics.CredentialAuthOutcomes.WithLabelValues("denied").Inc()
	}
	return ok, nil
}

type credentialRecord struct {
	username string
	password string
	alg      string
	salt     string
}

func (s *CredentialStore) lookup(username string) (credentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(username)
}

func (s *CredentialStore) lookupLocked(username string) (credentialRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return credentialRecord{}, fmt.Errorf("store: open: %w", err)
	}
	defer f.Close()

	buf := make([]byte, segmentSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n == segmentSize {
			if rec, ok := decodeSegment(buf, username); ok {
				return rec, nil
			}
		}
		if err != nil {
			break
		}
	}
	return credentialRecord{}, ErrUsernameNotFound
}

func encodeSegment(username, passwordEnc, alg, saltEnc string) ([]byte, error) {
	if len(username) > usernameCap {
		return nil, fmt.Errorf("store: username exceeds %d bytes", usernameCap)
	}
	if len(passwordEnc) > passwordCap {
		return nil, fmt.Errorf("store: encoded hash exceeds %d bytes", passwordCap)
	}
	if len(alg) > algCap || len(saltEnc) > saltCap {
		return nil, fmt.Errorf("store: alg/salt field overflow")
	}

	var buf bytes.Buffer
	buf.Grow(segmentSize)
	writeField(&buf, username, usernameCap)
	writeField(&buf, passwordEnc, passwordCap)
	writeField(&buf, alg, algCap)
	writeField(&buf, saltEnc, saltCap)
	buf.WriteByte(recordEnd)
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, v string, cap int) {
	buf.WriteString(v)
	if pad := cap - len(v); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	buf.WriteByte(fieldSep)
}

// decodeSegment parses one segment's bytes and reports whether its
// username field matches target.
func decodeSegment(buf []byte, target string) (credentialRecord, bool) {
	pos := 0
	username := readField(buf, &pos, usernameCap)
	if username != target {
		return credentialRecord{}, false
	}
	password := readField(buf, &pos, passwordCap)
	alg := readField(buf, &pos, algCap)
	salt := readField(buf, &pos, saltCap)
	return credentialRecord{username: username, password: password, alg: alg, salt: salt}, true
}

// readField reads a NUL-padded, fieldSep-terminated field starting at
// *pos, advances *pos past its separator, and returns the field with
// trailing zero padding trimmed.
func readField(buf []byte, pos *int, cap int) string {
	start := *pos
	end := start + cap
	raw := buf[start:end]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	*pos = end + 1
	return string(raw)
}
