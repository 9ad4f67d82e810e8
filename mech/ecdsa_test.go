package mech

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECPoint(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	point, err := ECPoint(&key.PublicKey)
	require.NoError(t, err)
	require.Len(t, point, 65)
	assert.Equal(t, byte(4), point[0])

	_, err = ECPoint(nil)
	assert.Error(t, err)
}

func TestECSignatureRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("payload"))

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)

	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])

	der, err := ECSignatureToASN1(raw)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], der))

	back, err := ECSignatureFromASN1(der, 32)
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestECSignatureFromASN1_Malformed(t *testing.T) {
	_, err := ECSignatureFromASN1([]byte{0x30, 0x01, 0x00}, 32)
	assert.Error(t, err)

	_, err = ECSignatureToASN1([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCurveSupported(t *testing.T) {
	assert.True(t, CurveSupported(elliptic.P256()))
	assert.True(t, CurveSupported(elliptic.P521()))
}
