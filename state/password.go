package state

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zimi/zimi/zim"
)

// Password gates the manage endpoints. The stored value is the SHA-256
// hex of the admin password; an empty value disables the gate. The
// ZIMI_MANAGE_PASSWORD environment variable (plaintext, hashed on read)
// wins over the password file so containers can inject it.
type Password struct {
	mu      sync.Mutex
	path    string
	envHash string // hash of ZIMI_MANAGE_PASSWORD, "" when unset
}

// HashPassword returns the SHA-256 hex digest of pw.
func HashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

// NewPassword returns the password store in dataDir. envPassword is the
// plaintext value of ZIMI_MANAGE_PASSWORD, empty when unset.
func NewPassword(dataDir, envPassword string) *Password {
	p := &Password{path: filepath.Join(dataDir, "password")}
	if envPassword != "" {
		p.envHash = HashPassword(envPassword)
	}
	return p
}

// Hash returns the stored password hash, or "" when no password is set.
func (p *Password) Hash() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.envHash != "" {
		return p.envHash
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// IsSet reports whether a password is required at all.
func (p *Password) IsSet() bool {
	return p.Hash() != ""
}

// Check reports whether the plaintext password matches the stored hash.
// The comparison is constant time. With no password set everything
// matches.
func (p *Password) Check(plaintext string) bool {
	stored := p.Hash()
	if stored == "" {
		return true
	}
	got := HashPassword(plaintext)
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1
}

// Set stores the hash of pw, or clears the password when pw is empty.
func (p *Password) Set(pw string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	hash := ""
	if pw != "" {
		hash = HashPassword(pw)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(p.path, []byte(hash), 0600); err != nil {
		return err
	}
	action := "set"
	if pw == "" {
		action = "cleared"
	}
	zim.Logf(nil, "Manage password %s", action)
	return nil
}
