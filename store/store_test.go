package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/m4xw311/toolhub/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()
	dir := t.TempDir()

	f, err := OpenFile(filepath.Join(dir, "store.json"))
	require.NoError(t, err)
	s, err := OpenSQLite(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return map[string]KV{"memory": NewMemory(), "file": f, "sqlite": s}
}

func TestKVContract(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set(ctx, KeyProvider, "anthropic"))
			require.NoError(t, kv.Set(ctx, "permission/global/fs.read", "a"))
			require.NoError(t, kv.Set(ctx, "permission/domain/example.com/nav.click", "b"))
			require.NoError(t, kv.Set(ctx, KeyProvider, "openai"))

			v, ok, err := kv.Get(ctx, KeyProvider)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "openai", v)

			got, err := kv.List(ctx, "permission/")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{
				"permission/global/fs.read":                "a",
				"permission/domain/example.com/nav.click": "b",
			}, got)

			require.NoError(t, kv.Delete(ctx, "permission/global/fs.read"))
			require.NoError(t, kv.Delete(ctx, "never-set"))
			got, err = kv.List(ctx, "permission/")
			require.NoError(t, err)
			assert.Len(t, got, 1)

			all, err := kv.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Set(ctx, KeyModel, "gpt-4o"))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	v, ok, err := reopened.Get(ctx, KeyModel)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gpt-4o", v)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyBaseURL, "http://localhost:11434/v1"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, KeyBaseURL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:11434/v1", v)
}

func TestOpen(t *testing.T) {
	kv, err := Open(config.Store{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, kv)

	_, err = Open(config.Store{Driver: "etcd"})
	assert.Error(t, err)
}
