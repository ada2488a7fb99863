package service

import (
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	apikeydomain "github.com/datacleanup/tally/internal/apikey/domain"
)

func TestGenerateAndParseAPIKey(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	keyID := newKeyID(node.Generate())
	require.True(t, strings.HasPrefix(keyID, "key_"))

	plain, hash, err := generateAPIKey(keyID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plain, "tly_"))
	require.True(t, apikeydomain.VerifyAPIKey(plain, hash))
	require.False(t, apikeydomain.VerifyAPIKey(plain+"x", hash))

	parsed, err := parseKeyID(plain)
	require.NoError(t, err)
	require.Equal(t, keyID, parsed)
}

func TestParseKeyIDRejectsMalformedKeys(t *testing.T) {
	for _, raw := range []string{"", "tly_abc", "sk_live_abc_def", "tly__secret", "tly_abc_"} {
		_, err := parseKeyID(raw)
		require.ErrorIs(t, err, apikeydomain.ErrInvalidKey, raw)
	}
}

func TestNormalizeScopes(t *testing.T) {
	scopes, err := normalizeScopes(nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{apikeydomain.ScopeReserve, apikeydomain.ScopeBalanceRead}, []string(scopes))

	scopes, err = normalizeScopes([]string{" Balance:Read "})
	require.NoError(t, err)
	require.Equal(t, []string{apikeydomain.ScopeBalanceRead}, []string(scopes))

	_, err = normalizeScopes([]string{"admin:everything"})
	require.Error(t, err)
}
