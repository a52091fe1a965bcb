package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestNewAdapter_Selection(t *testing.T) {
	t.Cleanup(func() { viper.Reset() })

	viper.Set("adapter", "memory")
	adapter, err := newAdapter()
	require.NoError(t, err)
	require.Equal(t, "memory", adapter.Name())

	viper.Set("adapter", "sqlite")
	viper.Set("data_dir", t.TempDir())
	adapter, err = newAdapter()
	require.NoError(t, err)
	require.Equal(t, "sqlite", adapter.Name())

	viper.Set("adapter", "leveldb")
	_, err = newAdapter()
	require.Error(t, err)
	require.Contains(t, err.Error(), "leveldb")
}

func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heroes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
title: heroes
version: 0
primary_key: id
properties:
  id:
    type: string
    max_length: 128
  name:
    type: string
`), 0600))

	name, s, err := loadSchemaFile(path)
	require.NoError(t, err)
	require.Equal(t, "heroes", name)
	require.Equal(t, "id", s.PrimaryKey)
	require.Contains(t, s.Properties, "name")
}

func TestLoadSchemaFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
title: broken
version: 0
properties:
  id:
    type: string
`), 0600))

	// A schema without a primary key must be rejected before registration.
	_, _, err := loadSchemaFile(path)
	require.Error(t, err)

	_, _, err = loadSchemaFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
