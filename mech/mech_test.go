package mech

import (
	"crypto"
	"crypto/rsa"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyTypeFromCKK(t *testing.T) {
	assert.Equal(t, RSA, KeyTypeFromCKK(pkcs11.CKK_RSA))
	assert.Equal(t, EC, KeyTypeFromCKK(pkcs11.CKK_EC))
	assert.Equal(t, Unknown, KeyTypeFromCKK(pkcs11.CKK_AES))

	assert.Equal(t, "RSA", RSA.String())
	assert.Equal(t, "EC", EC.String())
	assert.Equal(t, "unknown", Unknown.String())
}

func TestResolveSignature_RSAPKCS1v15(t *testing.T) {
	spec, err := ResolveSignature(RSA, SignatureParams{Hash: crypto.SHA256})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), spec.MechanismID)
	assert.Equal(t, crypto.SHA256, spec.Hash)
	assert.NotEmpty(t, spec.DigestInfo)
	assert.Nil(t, spec.Parameter)

	// raw mechanism over an unhashed message
	spec, err = ResolveSignature(RSA, SignatureParams{})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), spec.MechanismID)
	assert.Equal(t, crypto.Hash(0), spec.Hash)
	assert.Empty(t, spec.DigestInfo)
}

func TestResolveSignature_RSAPSS(t *testing.T) {
	spec, err := ResolveSignature(RSA, SignatureParams{Hash: crypto.SHA256, PSS: true})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS_PSS), spec.MechanismID)
	require.NotNil(t, spec.Parameter)

	hashCKM, mgf, salt, err := DecodePSSParams(spec.Parameter)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_SHA256), hashCKM)
	assert.Equal(t, uint(pkcs11.CKG_MGF1_SHA256), mgf)
	assert.Equal(t, uint(32), salt)

	// the Auto and EqualsHash sentinels normalize to the digest length
	for _, saltLen := range []int{rsa.PSSSaltLengthAuto, rsa.PSSSaltLengthEqualsHash} {
		spec, err := ResolveSignature(RSA, SignatureParams{
			Hash: crypto.SHA384, PSS: true, SaltLength: saltLen,
		})
		require.NoError(t, err)
		_, _, salt, err := DecodePSSParams(spec.Parameter)
		require.NoError(t, err)
		assert.Equal(t, uint(48), salt)
	}

	// explicit salt length is kept
	spec, err = ResolveSignature(RSA, SignatureParams{Hash: crypto.SHA256, PSS: true, SaltLength: 20})
	require.NoError(t, err)
	_, _, salt, err = DecodePSSParams(spec.Parameter)
	require.NoError(t, err)
	assert.Equal(t, uint(20), salt)
}

func TestResolveSignature_EC(t *testing.T) {
	spec, err := ResolveSignature(EC, SignatureParams{Hash: crypto.SHA256})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_ECDSA), spec.MechanismID)
	assert.Equal(t, crypto.SHA256, spec.Hash)
	assert.Empty(t, spec.DigestInfo)
}

func TestResolveSignature_Unsupported(t *testing.T) {
	tcases := []struct {
		name string
		kt   KeyType
		p    SignatureParams
	}{
		{"pss without digest", RSA, SignatureParams{PSS: true}},
		{"sha3 digest", RSA, SignatureParams{Hash: crypto.SHA3_256}},
		{"pss on ec", EC, SignatureParams{Hash: crypto.SHA256, PSS: true}},
		{"ec without digest", EC, SignatureParams{}},
		{"ec sha3 digest", EC, SignatureParams{Hash: crypto.SHA3_256}},
		{"unknown key type", Unknown, SignatureParams{Hash: crypto.SHA256}},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolveSignature(tc.kt, tc.p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))
		})
	}
}

func TestResolveSignature_Deterministic(t *testing.T) {
	p := SignatureParams{Hash: crypto.SHA256, PSS: true}
	first, err := ResolveSignature(RSA, p)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		next, err := ResolveSignature(RSA, p)
		require.NoError(t, err)
		assert.Equal(t, first, next)
	}
}

func TestResolveDecrypt(t *testing.T) {
	spec, err := ResolveDecrypt(RSA, DecryptParams{})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), spec.MechanismID)
	assert.Nil(t, spec.OAEP)

	spec, err = ResolveDecrypt(RSA, DecryptParams{OAEP: true, Hash: crypto.SHA256})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS_OAEP), spec.MechanismID)
	require.NotNil(t, spec.OAEP)

	_, err = ResolveDecrypt(EC, DecryptParams{})
	assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))

	_, err = ResolveDecrypt(RSA, DecryptParams{OAEP: true, Hash: crypto.SHA3_256})
	assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))

	_, err = ResolveDecrypt(RSA, DecryptParams{OAEP: true, Hash: crypto.SHA256, Label: []byte("l")})
	assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))
}

func TestResolveDerive(t *testing.T) {
	spec, err := ResolveDerive(EC, DeriveParams{Bits: 256})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_ECDH1_DERIVE), spec.MechanismID)
	assert.Equal(t, 32, spec.SecretLen)

	spec, err = ResolveDerive(EC, DeriveParams{Bits: 521})
	require.NoError(t, err)
	assert.Equal(t, 66, spec.SecretLen)

	_, err = ResolveDerive(RSA, DeriveParams{Bits: 256})
	assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))

	_, err = ResolveDerive(EC, DeriveParams{})
	assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))
}

func TestResolve(t *testing.T) {
	spec, err := Resolve(RSA, OpSign, crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), spec.MechanismID)

	spec, err = Resolve(RSA, OpVerify, &rsa.PSSOptions{Hash: crypto.SHA256})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS_PSS), spec.MechanismID)

	_, err = Resolve(RSA, OpDecrypt, SignatureParams{})
	assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))

	_, err = Resolve(RSA, OpSign, "bogus")
	assert.True(t, errors.Is(err, p11token.ErrUnsupportedParameter))
}

func TestPSSParamsRoundTrip(t *testing.T) {
	b := encodePSSParams(pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512, 64)
	require.Len(t, b, 24)
	hashCKM, mgf, salt, err := DecodePSSParams(b)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_SHA512), hashCKM)
	assert.Equal(t, uint(pkcs11.CKG_MGF1_SHA512), mgf)
	assert.Equal(t, uint(64), salt)

	_, _, _, err = DecodePSSParams(b[:16])
	assert.Error(t, err)
}

func TestHashFromCKM(t *testing.T) {
	h, ok := HashFromCKM(pkcs11.CKM_SHA256)
	require.True(t, ok)
	assert.Equal(t, crypto.SHA256, h)

	_, ok = HashFromCKM(pkcs11.CKM_MD5)
	assert.False(t, ok)
}
