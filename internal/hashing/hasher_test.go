package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHasher_RoundTrip(t *testing.T) {
	h := NewHasherWithParams(testParams, []string{"pepper-one"})

	stored, err := h.HashOTP("482913")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PepperVersion)
	assert.NotContains(t, stored.Hash, "482913")

	ok, err := h.VerifyOTP("482913", stored)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("000000", stored)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasher_SaltsDiffer(t *testing.T) {
	h := NewHasherWithParams(testParams, []string{"pepper-one"})

	a, err := h.HashOTP("123456")
	require.NoError(t, err)
	b, err := h.HashOTP("123456")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestHasher_OldPepperStillVerifies(t *testing.T) {
	old := NewHasherWithParams(testParams, []string{"pepper-one"})
	stored, err := old.HashOTP("777777")
	require.NoError(t, err)

	rotated := NewHasherWithParams(testParams, []string{"pepper-one", "pepper-two"})
	assert.Equal(t, 2, rotated.CurrentPepperVersion())

	ok, err := rotated.VerifyOTP("777777", stored)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasher_RejectsBadRecords(t *testing.T) {
	h := NewHasherWithParams(testParams, []string{"pepper-one"})
	stored, err := h.HashOTP("111111")
	require.NoError(t, err)

	unknown := stored
	unknown.PepperVersion = 7
	_, err = h.VerifyOTP("111111", unknown)
	assert.ErrorIs(t, err, ErrUnknownPepper)

	badAlg := stored
	badAlg.Algorithm = "md5"
	_, err = h.VerifyOTP("111111", badAlg)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	badSalt := stored
	badSalt.Salt = "%%%"
	_, err = h.VerifyOTP("111111", badSalt)
	assert.ErrorIs(t, err, ErrInvalidHash)
}
