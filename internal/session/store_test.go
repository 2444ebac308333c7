package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mernickets/portal/internal/identity"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	principal := &identity.Principal{UID: "u1", Email: "ann@x.com", DisplayName: "Ann"}

	st, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, st.Identity)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Token)

	first, err := store.Begin(ctx, "c1", principal, true)
	require.NoError(t, err)

	st, err = store.Load(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "ann@x.com", st.Identity.Email)
	assert.True(t, st.Loading)
	assert.Empty(t, st.Role)

	second, err := store.Begin(ctx, "c1", nil, false)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	applied, err := store.Commit(ctx, "c1", first, "stale-token", RoleAdmin)
	require.NoError(t, err)
	assert.False(t, applied)

	st, err = store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, st.Identity)
	assert.Empty(t, st.Token)
	assert.Empty(t, st.Role)
	assert.False(t, st.Loading)

	third, err := store.Begin(ctx, "c1", principal, true)
	require.NoError(t, err)
	applied, err = store.Commit(ctx, "c1", third, "tok", RoleVendor)
	require.NoError(t, err)
	assert.True(t, applied)

	st, err = store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok", st.Token)
	assert.Equal(t, RoleVendor, st.Role)
	assert.False(t, st.Loading)
	assert.Equal(t, third, st.Generation)
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStoreContract(t *testing.T) {
	store, _ := newRedisStore(t)
	storeContract(t, store)
}

func TestRedisStoreCommitWithoutTokenClearsIt(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	gen, err := store.Begin(ctx, "c1", &identity.Principal{Email: "a@x.com"}, true)
	require.NoError(t, err)
	applied, err := store.Commit(ctx, "c1", gen, "", RoleUser)
	require.NoError(t, err)
	require.True(t, applied)

	st, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, st.Token)
	assert.Equal(t, RoleUser, st.Role)
	assert.False(t, st.Authenticated(time.Now()))
}

func TestRedisStoreExpiresIdleRecords(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Begin(ctx, "c1", &identity.Principal{Email: "a@x.com"}, true)
	require.NoError(t, err)
	assert.True(t, mr.Exists("portal:auth:c1"))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("portal:auth:c1"))

	st, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, st.Identity)
}

func TestRedisStoreCommitUnknownKey(t *testing.T) {
	store, _ := newRedisStore(t)
	applied, err := store.Commit(context.Background(), "nobody", 1, "tok", RoleUser)
	require.NoError(t, err)
	assert.False(t, applied)
}
