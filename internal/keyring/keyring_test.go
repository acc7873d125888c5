package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zkr "github.com/zalando/go-keyring"
)

func TestRoundTripWithMockProvider(t *testing.T) {
	zkr.MockInit()

	_, err := Get("anthropic")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Set("anthropic", "sk-test"))
	got, err := Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)

	require.NoError(t, Delete("anthropic"))
	require.NoError(t, Delete("anthropic"))
}

func TestDisabledByEnv(t *testing.T) {
	zkr.MockInit()
	require.NoError(t, Set("openai", "sk-x"))
	t.Setenv("VOX_KEYRING_DISABLED", "1")

	assert.False(t, Available())
	_, err := Get("openai")
	assert.ErrorIs(t, err, ErrNotFound)
}
