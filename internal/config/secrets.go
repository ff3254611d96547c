package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	secretService      = "cadence"
	apiTokenAccount    = "api_token"
	remoteTokenAccount = "remote_token"
)

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// Keychain is a SecretStore backed by a 0600 JSON file under XDG_DATA_HOME.
type Keychain struct {
	path string
}

// NewKeychain returns the default file-backed secret store.
func NewKeychain() *Keychain {
	return &Keychain{path: secretsFilePath()}
}

// NewKeychainAt returns a secret store rooted at path (used by tests).
func NewKeychainAt(path string) *Keychain {
	return &Keychain{path: path}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "cadence", "secrets.json")
}

func (k *Keychain) Get(service, account string) (string, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return "", fmt.Errorf("keychain not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (k *Keychain) Set(service, account, value string) error {
	var secrets map[string]map[string]string

	data, err := os.ReadFile(k.path)
	if err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(k.path, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the local HTTP API,
// generating and persisting one on first use. CADENCE_API_TOKEN wins when set.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("CADENCE_API_TOKEN")); tok != "" {
		return tok, nil
	}
	if tok, err := s.Get(secretService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetRemoteToken stores the hosted data API token in the secret store.
func SetRemoteToken(s SecretStore, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("remote token must not be empty")
	}
	return s.Set(secretService, remoteTokenAccount, token)
}
