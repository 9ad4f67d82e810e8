package p11token_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectMetadata(t *testing.T) {
	lib, _, tok := newTestLib(t, false)
	tok.AddRSAKeyPair([]byte{0xAA, 0xBB}, "rsa-key", genRSA(t), p11token.KeyUsage{Sign: true})

	s, err := lib.Open()
	require.NoError(t, err)
	defer s.Close()

	objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	obj := objs[0]
	assert.Equal(t, uint(pkcs11.CKO_PRIVATE_KEY), obj.Class)
	assert.Equal(t, uint(pkcs11.CKK_RSA), obj.KeyType)
	assert.Equal(t, []byte{0xAA, 0xBB}, obj.ID)
	assert.Equal(t, "rsa-key", obj.Label)
	assert.Contains(t, obj.String(), "rsa-key")
}

func TestFindObjectsFilter(t *testing.T) {
	lib, _, tok := newTestLib(t, false)
	tok.AddRSAKeyPair([]byte{1}, "first", genRSA(t), p11token.KeyUsage{Sign: true})
	tok.AddRSAKeyPair([]byte{2}, "second", genRSA(t), p11token.KeyUsage{Sign: true})

	s, err := lib.Open()
	require.NoError(t, err)
	defer s.Close()

	objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	objs, err = s.FindObjects(pkcs11.CKO_PRIVATE_KEY,
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, "second"))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, []byte{2}, objs[0].ID)

	objs, err = s.FindObjects(pkcs11.CKO_PRIVATE_KEY,
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{1}))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "first", objs[0].Label)

	objs, err = s.FindObjects(pkcs11.CKO_CERTIFICATE)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestHandleScoping(t *testing.T) {
	lib, _, tok := newTestLib(t, false)
	tok.AddRSAKeyPair([]byte{1}, "k1", genRSA(t), p11token.KeyUsage{Sign: true})

	slot, err := lib.FindSlot(testLabel, "")
	require.NoError(t, err)

	s1, err := lib.OpenSession(slot, testPin)
	require.NoError(t, err)
	s2, err := lib.OpenSession(slot, testPin)
	require.NoError(t, err)
	defer s2.Close()

	objs, err := s1.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	// handles never cross sessions
	_, err = s2.GetAttributes(objs[0], pkcs11.CKA_ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrSessionClosed))

	// reopening invalidates every handle from the previous generation
	require.NoError(t, s1.Close())
	require.NoError(t, s1.Open(testPin))
	defer s1.Close()

	_, err = s1.GetAttributes(objs[0], pkcs11.CKA_ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrSessionClosed))

	fresh, err := s1.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	_, err = s1.GetAttributes(fresh[0], pkcs11.CKA_ID)
	require.NoError(t, err)
}

func TestGetAttributes(t *testing.T) {
	lib, _, tok := newTestLib(t, false)
	tok.AddRSAKeyPair([]byte{1}, "k1", genRSA(t), p11token.KeyUsage{Sign: true, Verify: true})

	s, err := lib.Open()
	require.NoError(t, err)
	defer s.Close()

	objs, err := s.FindObjects(pkcs11.CKO_PUBLIC_KEY)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	attrs, err := s.GetAttributes(objs[0], pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT)
	require.NoError(t, err)
	assert.NotEmpty(t, attrs[pkcs11.CKA_MODULUS])
	assert.NotEmpty(t, attrs[pkcs11.CKA_PUBLIC_EXPONENT])

	// RSA objects carry no EC attributes
	_, err = s.GetAttributes(objs[0], pkcs11.CKA_EC_POINT)
	require.Error(t, err)
}

func TestKeyUsage(t *testing.T) {
	lib, _, tok := newTestLib(t, false)
	tok.AddRSAKeyPair([]byte{1}, "sign-only", genRSA(t),
		p11token.KeyUsage{Sign: true, Verify: true})

	s, err := lib.Open()
	require.NoError(t, err)
	defer s.Close()

	objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	usage, err := s.KeyUsage(objs[0])
	require.NoError(t, err)
	assert.True(t, usage.Sign)
	assert.False(t, usage.Decrypt)
	assert.False(t, usage.Derive)

	pubs, err := s.FindObjects(pkcs11.CKO_PUBLIC_KEY)
	require.NoError(t, err)
	require.Len(t, pubs, 1)

	usage, err = s.KeyUsage(pubs[0])
	require.NoError(t, err)
	assert.True(t, usage.Verify)
	assert.False(t, usage.Encrypt)
}
