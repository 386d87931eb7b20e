package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Encrypted secrets file layout: [salt][nonce][AES-256-GCM ciphertext+tag],
// key derived from a password with scrypt.
const (
	SecretsFileName = "secrets.json.enc"
	EnvSecretsPass  = "DEVOPS_AGENT_SECRETS_PASSWORD"

	saltSize  = 16
	nonceSize = 12
	gcmTag    = 16
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keySize   = 32
)

//nolint:gochecknoglobals // in-memory decrypted secrets
var (
	decryptedSecrets    map[string]string
	decryptedSecretsMux sync.RWMutex
)

// SetDecryptedSecrets installs the secrets consulted by GetSecret.
func SetDecryptedSecrets(secrets map[string]string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()
	decryptedSecrets = secrets
}

// GetSecret resolves name from the decrypted secrets file, then the environment.
func GetSecret(name string) (string, error) {
	decryptedSecretsMux.RLock()
	value, ok := decryptedSecrets[name]
	decryptedSecretsMux.RUnlock()
	if ok && value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

func secretsPath(dir string) string {
	return filepath.Join(dir, ProjectConfigDir, SecretsFileName)
}

// SecretsFileExists reports whether dir holds an encrypted secrets file.
func SecretsFileExists(dir string) bool {
	_, err := os.Stat(secretsPath(dir))
	return err == nil
}

func deriveKey(password string, salt []byte) ([]byte, error) {
	pw := []byte(password)
	defer clear(pw)
	key, err := scrypt.Key(pw, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// EncryptSecretsFile writes secrets to <dir>/.devops-agent/secrets.json.enc with mode 0600.
func EncryptSecretsFile(dir, password string, secrets map[string]string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}
	defer clear(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer clear(plaintext)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcmTag)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	path := secretsPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// ErrWrongPassword is returned when the file does not authenticate.
var ErrWrongPassword = errors.New("decryption failed (wrong password or corrupted file)")

// DecryptSecretsFile reads and decrypts <dir>/.devops-agent/secrets.json.enc.
// Loose file permissions are tightened to 0600.
func DecryptSecretsFile(dir, password string) (map[string]string, error) {
	path := secretsPath(dir)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logger.Warn("secrets file has mode %04o, resetting to 0600", info.Mode().Perm())
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+gcmTag {
		return nil, errors.New("secrets file is corrupted (too small)")
	}
	salt, nonce, ciphertext := data[:saltSize], data[saltSize:saltSize+nonceSize], data[saltSize+nonceSize:]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer clear(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// LoadSecrets decrypts the project's secrets file with the password from
// DEVOPS_AGENT_SECRETS_PASSWORD, if both exist. It reports whether secrets
// were loaded.
func LoadSecrets(dir string) (bool, error) {
	password := os.Getenv(EnvSecretsPass)
	if password == "" || !SecretsFileExists(dir) {
		return false, nil
	}
	secrets, err := DecryptSecretsFile(dir, password)
	if err != nil {
		return false, err
	}
	SetDecryptedSecrets(secrets)
	return true, nil
}
