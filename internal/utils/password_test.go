package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordRoundTrip(t *testing.T) {
	for _, plain := range []string{"correct horse battery", "p@ssw0rd!", "短いパスワード123"} {
		hash, err := HashPassword(plain, bcrypt.MinCost)
		require.NoError(t, err)
		require.NotEqual(t, plain, hash)

		assert.True(t, VerifyPassword(hash, plain))
	}
}

func TestPasswordMutationFails(t *testing.T) {
	const plain = "correct horse battery"
	hash, err := HashPassword(plain, bcrypt.MinCost)
	require.NoError(t, err)

	// Flip each character in turn; no single-character mutation may verify.
	for i := 0; i < len(plain); i++ {
		mutated := []byte(plain)
		mutated[i] ^= 0x01
		assert.False(t, VerifyPassword(hash, string(mutated)), "mutation at %d verified", i)
	}
	assert.False(t, VerifyPassword(hash, ""))
	assert.False(t, VerifyPassword(hash, plain+"x"))
}

func TestHashesAreSalted(t *testing.T) {
	h1, err := HashPassword("same password", bcrypt.MinCost)
	require.NoError(t, err)
	h2, err := HashPassword("same password", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
