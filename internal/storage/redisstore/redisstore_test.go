package redisstore_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voiceboard/internal/storage"
	"voiceboard/internal/storage/redisstore"
)

func setupTest(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := redisstore.New(t.Context(), redisstore.Options{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	store, mr := setupTest(t)
	ctx := t.Context()

	require.NoError(t, store.Save(ctx, "100", storage.VoiceData, []byte(`[]`)))

	data, err := store.Load(ctx, "100", storage.VoiceData)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))

	raw, err := mr.Get("voiceboard:guild:100:voicedata")
	require.NoError(t, err)
	assert.Equal(t, `[]`, raw)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	_, err := store.Load(t.Context(), "100", storage.Config)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGuildIDs(t *testing.T) {
	t.Parallel()
	store, mr := setupTest(t)
	ctx := t.Context()

	require.NoError(t, store.Save(ctx, "2", storage.VoiceData, []byte(`[]`)))
	require.NoError(t, store.Save(ctx, "2", storage.Config, []byte(`{}`)))
	require.NoError(t, store.Save(ctx, "1", storage.Config, []byte(`{}`)))
	require.NoError(t, mr.Set("voiceboard:guild:3:unrelated", "x"))
	require.NoError(t, mr.Set("other:guild:4:config", "x"))

	ids, err := store.GuildIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestNewRequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := redisstore.New(t.Context(), redisstore.Options{}, zap.NewNop())
	assert.Error(t, err)
}
