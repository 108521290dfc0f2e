// Package vault resolves secrets referenced by data addresses and callback
// addresses. Secrets never travel inside transfer processes, only their keys.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/puzpuzpuz/xsync/v2"
)

var log = slog.With("component", "vault")

// ErrSecretNotFound is returned when a key has no secret.
var ErrSecretNotFound = errors.New("secret not found")

// Vault stores and resolves secrets by key.
type Vault interface {
	ResolveSecret(key string) (string, error)
	StoreSecret(key, value string) error
	DeleteSecret(key string) error
}

// MemoryVault keeps secrets in process memory.
type MemoryVault struct {
	secrets *xsync.MapOf[string, string]
}

// NewMemoryVault creates a vault seeded with the given secrets.
func NewMemoryVault(seed map[string]string) *MemoryVault {
	v := &MemoryVault{secrets: xsync.NewMapOf[string]()}
	for k, s := range seed {
		v.secrets.Store(k, s)
	}
	return v
}

func (v *MemoryVault) ResolveSecret(key string) (string, error) {
	s, ok := v.secrets.Load(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return s, nil
}

func (v *MemoryVault) StoreSecret(key, value string) error {
	if key == "" {
		return errors.New("secret key must not be empty")
	}
	v.secrets.Store(key, value)
	return nil
}

func (v *MemoryVault) DeleteSecret(key string) error {
	if _, ok := v.secrets.LoadAndDelete(key); !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return nil
}

// Keys lists the stored keys in order.
func (v *MemoryVault) Keys() []string {
	var keys []string
	v.secrets.Range(func(k string, _ string) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// FileVault is a MemoryVault backed by a dotenv file. Writes are persisted
// to the file immediately.
type FileVault struct {
	*MemoryVault
	path string
}

// OpenFileVault loads the dotenv file at path. A missing file is an empty
// vault that will be created on the first write.
func OpenFileVault(path string) (*FileVault, error) {
	seed, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		seed = map[string]string{}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read vault file %s: %w", path, err)
	}
	log.Info("Vault loaded", "path", path, "secrets", len(seed))
	return &FileVault{MemoryVault: NewMemoryVault(seed), path: path}, nil
}

func (v *FileVault) StoreSecret(key, value string) error {
	if err := v.MemoryVault.StoreSecret(key, value); err != nil {
		return err
	}
	return v.persist()
}

func (v *FileVault) DeleteSecret(key string) error {
	if err := v.MemoryVault.DeleteSecret(key); err != nil {
		return err
	}
	return v.persist()
}

func (v *FileVault) persist() error {
	all := make(map[string]string)
	v.secrets.Range(func(k, s string) bool {
		all[k] = s
		return true
	})
	if err := godotenv.Write(all, v.path); err != nil {
		return fmt.Errorf("failed to write vault file %s: %w", v.path, err)
	}
	return nil
}

// EnvVault resolves secrets from the process environment, falling back to
// another vault. Keys are looked up verbatim.
type EnvVault struct {
	Fallback Vault
}

func (v EnvVault) ResolveSecret(key string) (string, error) {
	if s, ok := os.LookupEnv(key); ok {
		return s, nil
	}
	if v.Fallback != nil {
		return v.Fallback.ResolveSecret(key)
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
}

func (v EnvVault) StoreSecret(key, value string) error {
	if v.Fallback == nil {
		return errors.New("environment vault is read only")
	}
	return v.Fallback.StoreSecret(key, value)
}

func (v EnvVault) DeleteSecret(key string) error {
	if v.Fallback == nil {
		return errors.New("environment vault is read only")
	}
	return v.Fallback.DeleteSecret(key)
}
