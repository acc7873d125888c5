package keyring

import (
	"errors"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "vox"

// ErrNotFound is returned when no secret is stored for an account.
var ErrNotFound = errors.New("keyring: secret not found")

// Get retrieves the secret stored for account (e.g. "anthropic") from the OS keychain.
func Get(account string) (string, error) {
	if !enabled() {
		return "", ErrNotFound
	}
	secret, err := zkr.Get(serviceName, account)
	if errors.Is(err, zkr.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return secret, nil
}

// Set stores a secret in the OS keychain.
func Set(account, secret string) error {
	return zkr.Set(serviceName, account, secret)
}

// Delete removes a secret from the OS keychain.
func Delete(account string) error {
	err := zkr.Delete(serviceName, account)
	if errors.Is(err, zkr.ErrNotFound) {
		return nil
	}
	return err
}

// Available returns true if the OS keychain is functional.
// Returns false if VOX_KEYRING_DISABLED=1 is set (opt-in for headless/CI/Docker).
// Otherwise probes the keychain with a test write/read/delete cycle.
func Available() bool {
	if !enabled() {
		return false
	}
	testService := "vox-keyring-probe"
	testAccount := "probe"
	if err := zkr.Set(testService, testAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(testService, testAccount)
	return true
}

func enabled() bool {
	return os.Getenv("VOX_KEYRING_DISABLED") != "1"
}
