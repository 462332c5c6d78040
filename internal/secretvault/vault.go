// Package secretvault implements the secret vault collaborator named in
// the control plane's contract: getValue(storeName, key)/setValue(storeName,
// key, value). Values are encrypted at rest with age before they touch
// disk, the same envelope shape used for dotenv blobs elsewhere in the
// stack this service descends from.
package secretvault

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

const encryptedPrefix = "encrypted:cmux:v1:"

// Store is a single age identity plus a flat, mutex-guarded on-disk
// key/value table, partitioned by an opaque store name (the environment's
// dataVaultKey lives in one partition, per-workspace env blobs in another).
type Store struct {
	mu       sync.Mutex
	path     string
	identity *age.X25519Identity
	recipient age.Recipient
	data     map[string]map[string]string // storeName -> key -> ciphertext
}

// Open loads (or initializes) a vault file at path, encrypting with the
// identity derived from identityStr (an age X25519 secret key, e.g.
// "AGE-SECRET-KEY-1...").
func Open(path string, identityStr string) (*Store, error) {
	identityStr = strings.TrimSpace(identityStr)
	if identityStr == "" {
		return nil, fmt.Errorf("secretvault: identity is required")
	}
	identity, err := age.ParseX25519Identity(identityStr)
	if err != nil {
		return nil, fmt.Errorf("secretvault: parse identity: %w", err)
	}
	s := &Store{
		path:      path,
		identity:  identity,
		recipient: identity.Recipient(),
		data:      make(map[string]map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &s.data)
}

func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".vault.tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// GetValue decrypts and returns the value stored under (storeName, key).
func (s *Store) GetValue(storeName, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	partition, ok := s.data[storeName]
	if !ok {
		return "", false, nil
	}
	ciphertext, ok := partition[key]
	if !ok {
		return "", false, nil
	}
	plain, err := s.decrypt(ciphertext)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

// SetValue encrypts value and persists it under (storeName, key).
func (s *Store) SetValue(storeName, key, value string) error {
	ciphertext, err := s.encrypt(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[storeName] == nil {
		s.data[storeName] = make(map[string]string)
	}
	s.data[storeName][key] = ciphertext
	return s.persistLocked()
}

// NewKey mints an opaque storage key suitable for an environment's
// dataVaultKey or a workspace's envVarsContent handle.
func NewKey() string {
	var b [16]byte
	_, _ = cryptorand.Read(b[:])
	return "vk_" + base64.RawURLEncoding.EncodeToString(b[:])
}

func (s *Store) encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return encryptedPrefix + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	ciphertext = strings.TrimSpace(ciphertext)
	if !strings.HasPrefix(ciphertext, encryptedPrefix) {
		return "", fmt.Errorf("secretvault: value is not %s ciphertext", encryptedPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("secretvault: invalid ciphertext encoding: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", err
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
