package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeysDirName is the subdirectory name for storing identity keys
	KeysDirName = "keys"

	// KeyFileExtension is the extension for key files
	KeyFileExtension = ".x25519"

	// KeyFileMode is the file permission for key files (owner read/write only)
	KeyFileMode = 0600

	// KeyDirMode is the directory permission for the keys directory
	KeyDirMode = 0700
)

var (
	ErrKeyNotFound    = errors.New("identity key not found")
	ErrKeyFileCorrupt = errors.New("key file is corrupt")
)

// KeyStore persists the client's X25519 identity key per server, so the
// public key other members see stays stable across sessions.
type KeyStore struct {
	baseDir string
}

// NewKeyStore creates a KeyStore rooted at the given config directory.
func NewKeyStore(configDir string) *KeyStore {
	return &KeyStore{baseDir: configDir}
}

func (ks *KeyStore) keysDir() (string, error) {
	dir := filepath.Join(ks.baseDir, KeysDirName)
	if err := os.MkdirAll(dir, KeyDirMode); err != nil {
		return "", fmt.Errorf("failed to create keys directory: %w", err)
	}
	return dir, nil
}

func (ks *KeyStore) keyFilePath(serverHost string) (string, error) {
	dir, err := ks.keysDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sanitizeHostForFilename(serverHost)+KeyFileExtension), nil
}

// sanitizeHostForFilename converts a server host to a safe filename
// component.
func sanitizeHostForFilename(host string) string {
	safe := strings.ReplaceAll(host, ":", "_")
	safe = strings.ReplaceAll(safe, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return safe
}

// SaveKey writes the private key for a server with restrictive
// permissions. The write is atomic: temp file then rename.
func (ks *KeyStore) SaveKey(serverHost string, privateKey []byte) error {
	if len(privateKey) != KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, KeySize, len(privateKey))
	}

	path, err := ks.keyFilePath(serverHost)
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, privateKey, KeyFileMode); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save key file: %w", err)
	}
	return nil
}

// LoadKey reads the private key stored for a server.
func (ks *KeyStore) LoadKey(serverHost string) ([]byte, error) {
	path, err := ks.keyFilePath(serverHost)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyFileCorrupt, KeySize, len(data))
	}
	return data, nil
}

// HasKey checks whether a key exists for a server.
func (ks *KeyStore) HasKey(serverHost string) bool {
	path, err := ks.keyFilePath(serverHost)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == KeySize
}

// DeleteKey removes the stored key for a server.
func (ks *KeyStore) DeleteKey(serverHost string) error {
	path, err := ks.keyFilePath(serverHost)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// LoadOrGenerateKey loads the server's identity key, generating and
// persisting a fresh one if none exists. The second return reports
// whether the key was newly generated.
func (ks *KeyStore) LoadOrGenerateKey(serverHost string) (*KeyPair, bool, error) {
	privateKey, err := ks.LoadKey(serverHost)
	if err == nil {
		kp, err := KeyPairFromPrivate(privateKey)
		zero(privateKey)
		if err != nil {
			return nil, false, err
		}
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	var saveErr error
	if err := kp.WithPrivate(func(private []byte) error {
		saveErr = ks.SaveKey(serverHost, private)
		return saveErr
	}); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}
