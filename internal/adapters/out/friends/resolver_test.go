package friends

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomResolver_Contract(t *testing.T) {
	r := NewRandomResolverWithSeed(20, 10, 1)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		friends, err := r.Resolve(ctx, "7")
		require.NoError(t, err)
		assert.Len(t, friends, 10)
		assert.NotContains(t, friends, "7")

		seen := map[string]bool{}
		for _, f := range friends {
			assert.False(t, seen[f], "duplicate friend %s", f)
			seen[f] = true
			_, ok := parseMember(f, 20)
			assert.True(t, ok, "friend %s outside universe", f)
		}
	}
}

func TestRandomResolver_UnknownUsers(t *testing.T) {
	r := NewRandomResolver(0, 0)
	ctx := context.Background()

	for _, id := range []string{"0", "21", "-1", "abc", "", "03", "3abc"} {
		friends, err := r.Resolve(ctx, id)
		require.NoError(t, err, id)
		assert.NotNil(t, friends, id)
		assert.Empty(t, friends, id)
	}
}

func TestDeterministicResolver(t *testing.T) {
	r := NewDeterministicResolver(20, 3)
	ctx := context.Background()

	friends, err := r.Resolve(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, friends)

	// 环形回绕
	friends, err = r.Resolve(ctx, "19")
	require.NoError(t, err)
	assert.Equal(t, []string{"20", "1", "2"}, friends)

	again, err := r.Resolve(ctx, "19")
	require.NoError(t, err)
	assert.Equal(t, friends, again)

	friends, err = r.Resolve(ctx, "99")
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestDeterministicResolver_FanoutCapped(t *testing.T) {
	r := NewDeterministicResolver(4, 10)

	friends, err := r.Resolve(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "1"}, friends)
}
