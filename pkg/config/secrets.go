package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// SecretsFileName is the encrypted secrets file inside the project config dir.
const SecretsFileName = "secrets.json.enc"

// Secrets file layout: magic "RTS1" | salt(16) | nonce(12) | AES-256-GCM
// ciphertext of the JSON map. The magic and salt are authenticated as
// additional data.
var secretsMagic = []byte("RTS1")

const (
	saltLen  = 16
	nonceLen = 12
	tagLen   = 16

	// scrypt cost: N=2^15, r=8, p=1, 32-byte key.
	kdfN      = 1 << 15
	kdfR      = 8
	kdfP      = 1
	kdfKeyLen = 32
)

// ErrSecretsPassword is returned when the secrets file cannot be opened with
// the given password (or has been tampered with).
var ErrSecretsPassword = errors.New("wrong password or corrupted secrets file")

// Secrets unlocked for this process. Lookups fall back to the environment.
//
//nolint:gochecknoglobals // process-wide secrets
var (
	secretsMu sync.RWMutex
	secrets   map[string]string
)

// SetDecryptedSecrets replaces the in-memory secrets.
func SetDecryptedSecrets(m map[string]string) {
	secretsMu.Lock()
	secrets = m
	secretsMu.Unlock()
}

// GetSecret returns name from the unlocked secrets, else from the environment.
func GetSecret(name string) (string, error) {
	secretsMu.RLock()
	v := secrets[name]
	secretsMu.RUnlock()
	if v == "" {
		v = os.Getenv(name)
	}
	if v == "" {
		return "", fmt.Errorf("secret %s is not set (secrets file or environment)", name)
	}
	return v, nil
}

// GetDecryptedSecretNames lists the unlocked secret names, sorted. Values are
// never exposed through this call.
func GetDecryptedSecretNames() []string {
	secretsMu.RLock()
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	secretsMu.RUnlock()
	sort.Strings(names)
	return names
}

// SetSecret stores one secret in memory.
func SetSecret(name, value string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[name] = value
}

// DeleteSecret forgets one secret. Unknown names are ignored.
func DeleteSecret(name string) {
	secretsMu.Lock()
	delete(secrets, name)
	secretsMu.Unlock()
}

// SaveSecretsToFile writes the in-memory secrets to the project's encrypted file.
func SaveSecretsToFile(dir, password string) error {
	secretsMu.RLock()
	snapshot := make(map[string]string, len(secrets))
	for k, v := range secrets {
		snapshot[k] = v
	}
	secretsMu.RUnlock()
	return EncryptSecretsFile(dir, password, snapshot)
}

// SecretsFilePath returns <dir>/.riskteam/secrets.json.enc.
func SecretsFilePath(dir string) string {
	return filepath.Join(dir, ProjectConfigDir, SecretsFileName)
}

// SecretsFileExists reports whether dir has an encrypted secrets file.
func SecretsFileExists(dir string) bool {
	_, err := os.Stat(SecretsFilePath(dir))
	return err == nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	pw := []byte(password)
	defer wipe(pw)
	key, err := scrypt.Key(pw, salt, kdfN, kdfR, kdfP, kdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptSecretsFile encrypts m to the project's secrets file. The file is
// written to a temporary name first and renamed into place with mode 0600.
func EncryptSecretsFile(dir, password string, m map[string]string) error {
	header := make([]byte, len(secretsMagic)+saltLen)
	copy(header, secretsMagic)
	salt := header[len(secretsMagic):]
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	defer wipe(plaintext)

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(nonce)
	buf.Write(aead.Seal(nil, nonce, plaintext, header))

	path := SecretsFilePath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", ProjectConfigDir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile opens the project's secrets file. A file readable by
// others is narrowed to 0600 first.
func DecryptSecretsFile(dir, password string) (map[string]string, error) {
	path := SecretsFilePath(dir)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat secrets file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		logger.Warn("⚠️  %s has mode %04o, narrowing to 0600", path, perm)
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("fix secrets file mode: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	headerLen := len(secretsMagic) + saltLen
	if len(data) < headerLen+nonceLen+tagLen || !bytes.HasPrefix(data, secretsMagic) {
		return nil, fmt.Errorf("%s: %w", path, ErrSecretsPassword)
	}
	header := data[:headerLen]
	nonce := data[headerLen : headerLen+nonceLen]
	sealed := data[headerLen+nonceLen:]

	aead, err := newAEAD(password, header[len(secretsMagic):])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, ErrSecretsPassword
	}
	defer wipe(plaintext)

	var m map[string]string
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return m, nil
}
