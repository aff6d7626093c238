package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	id := NewIdentity("worker-1", "bootstrap-secret")
	require.NotEmpty(t, id.ID)
	require.NoError(t, id.Save(path))

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, id.ID, loaded.ID)
	assert.Equal(t, "bootstrap-secret", loaded.Token)
	assert.Equal(t, "worker-1", loaded.Name)
}

func TestLoadIdentity_Missing(t *testing.T) {
	loaded, err := LoadIdentity(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadIdentity_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadIdentity(path)
	assert.Error(t, err)
}

func TestLoadIdentity_Incomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"","token":"","name":"x"}`), 0o600))

	_, err := LoadIdentity(path)
	assert.Error(t, err)
}

func TestIdentity_SaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first := NewIdentity("a", "t1")
	require.NoError(t, first.Save(path))

	second := &Identity{ID: "server-assigned", Token: "t2", Name: "a"}
	require.NoError(t, second.Save(path))

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, "server-assigned", loaded.ID)
	assert.Equal(t, "t2", loaded.Token)
}
