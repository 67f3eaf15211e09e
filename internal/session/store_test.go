package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	sq, err := NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"file": fs, "sqlite": sq}
}

func TestStoreRoundTripAndMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Load(ctx, "telegram:42")
			require.NoError(t, err)
			assert.Nil(t, got)

			m := NewMemory(nil, nil, nil)
			s := New("telegram:42")
			for i := 0; i < 25; i++ {
				require.NoError(t, m.Append(ctx, s, RoleUser, "hello", DefaultOptions()))
			}
			s.Personality = &Personality{Traits: map[string]string{"tone": "calm"}, InteractionCount: 20}
			require.NoError(t, store.Save(ctx, s))

			got, err = store.Load(ctx, "telegram:42")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, s.NextID, got.NextID)
			assert.Len(t, got.Interactions, DefaultInteractionWindow)
			assert.Equal(t, s.Summaries[0].Range, got.Summaries[0].Range)
			assert.Equal(t, "calm", got.Personality.Traits["tone"])

			infos, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, infos, 1)
			assert.Equal(t, "telegram:42", infos[0].Key)

			require.NoError(t, store.Delete(ctx, "telegram:42"))
			got, err = store.Load(ctx, "telegram:42")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestFileStoreCorruptDocumentIsStorageError(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fs.sessionPath("broken"), []byte(`{"key":"broken","nextId":`), 0o644))

	_, err = fs.Load(context.Background(), "broken")
	require.ErrorIs(t, err, ErrStorage)
}

func TestFileStoreStructurallyInvalidIsStorageError(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	doc := `{"key":"k","nextId":3,"interactions":[{"id":2,"role":"user","text":"a"},{"id":1,"role":"user","text":"b"}],"summaries":[]}`
	require.NoError(t, os.WriteFile(fs.sessionPath("k"), []byte(doc), 0o644))

	_, err = fs.Load(context.Background(), "k")
	require.ErrorIs(t, err, ErrStorage)
}

func TestFileStorePathSanitization(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	path := fs.sessionPath("../../etc/passwd")
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestFileStoreKeysNeverShareADocument(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(fs, nil, DefaultOptions(), nil)

	require.NoError(t, reg.Do(ctx, "team:alpha", func(turn *Turn) error {
		return turn.Append(ctx, RoleUser, "secret of team:alpha")
	}))

	for _, other := range []string{"team_alpha", "team/alpha", `team\alpha`, "team..alpha"} {
		s, err := reg.Snapshot(ctx, other)
		require.NoError(t, err, other)
		assert.Equal(t, other, s.Key)
		assert.Empty(t, s.Interactions, other)
	}

	s, err := reg.Snapshot(ctx, "team:alpha")
	require.NoError(t, err)
	require.Len(t, s.Interactions, 1)
	assert.Equal(t, "secret of team:alpha", s.Interactions[0].Text)
}

func TestLoadRejectsDocumentForAnotherKey(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	doc := `{"key":"mallory","nextId":1,"interactions":[],"summaries":[]}`
	require.NoError(t, os.WriteFile(fs.sessionPath("alice"), []byte(doc), 0o644))

	_, err = fs.Load(context.Background(), "alice")
	require.ErrorIs(t, err, ErrStorage)
}

func TestSQLiteStoreCorruptDocumentIsStorageError(t *testing.T) {
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	defer sq.Close()
	_, err = sq.db.Exec(`INSERT INTO sessions (key, document) VALUES ('bad', 'not json')`)
	require.NoError(t, err)

	_, err = sq.Load(context.Background(), "bad")
	require.ErrorIs(t, err, ErrStorage)
}
