package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the runner's persisted machine identity, stored as
// config.json next to the binary. The control plane issues the token on
// first registration with the bootstrap secret; the file is rewritten
// whenever the control plane re-provisions the machine.
type Identity struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Name  string `json:"name"`
}

// IdentityPath returns the path of the persisted identity file,
// config.json in the directory of the running binary. Falls back to the
// working directory when the executable path cannot be resolved.
func IdentityPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(exe), "config.json")
}

// LoadIdentity reads a persisted identity. A missing file returns
// (nil, nil): the caller provisions a fresh identity and saves it.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	if id.ID == "" || id.Token == "" {
		return nil, fmt.Errorf("identity file %s is incomplete", path)
	}
	return &id, nil
}

// NewIdentity provisions a fresh identity with a generated machine id and
// the bootstrap token from the environment.
func NewIdentity(name, bootstrapToken string) *Identity {
	return &Identity{
		ID:    uuid.New().String(),
		Token: bootstrapToken,
		Name:  name,
	}
}

// Save writes the identity atomically: write to a temp sibling, then rename.
func (i *Identity) Save(path string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing identity file: %w", err)
	}
	return nil
}
