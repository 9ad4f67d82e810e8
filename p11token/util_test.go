package p11token_test

import (
	"testing"

	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUlongRoundTrip(t *testing.T) {
	for _, v := range []uint{0, 1, 255, 1 << 16, pkcs11.CKO_PRIVATE_KEY, 1 << 40} {
		b := p11token.UlongToBytes(v)
		assert.Len(t, b, 8)
		assert.Equal(t, v, p11token.BytesToUlong(b))
	}
}

func TestBytesToUlongTruncated(t *testing.T) {
	assert.Equal(t, uint(7), p11token.BytesToUlong([]byte{7}))
	assert.Equal(t, uint(0), p11token.BytesToUlong(nil))
	assert.Equal(t, uint(0), p11token.BytesToUlong([]byte{1, 2, 3}))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "RSA", p11token.KeyTypeNames[pkcs11.CKK_RSA])
	assert.Equal(t, "private", p11token.ObjectClassNames[pkcs11.CKO_PRIVATE_KEY])
	assert.Equal(t, "RSA-PKCS-PSS", p11token.MechanismName(pkcs11.CKM_RSA_PKCS_PSS))
	assert.Equal(t, "0x00001234", p11token.MechanismName(0x1234))
}

func TestMechanisms(t *testing.T) {
	lib, _, tok := newTestLib(t, true)

	mechs, err := lib.Mechanisms(tok.SlotID())
	require.NoError(t, err)
	assert.Contains(t, mechs, "RSA-PKCS")
	assert.Contains(t, mechs, "ECDSA")

	tok.RejectMechanism(pkcs11.CKM_ECDSA)
	mechs, err = lib.Mechanisms(tok.SlotID())
	require.NoError(t, err)
	assert.NotContains(t, mechs, "ECDSA")

	_, err = lib.Mechanisms(tok.SlotID() + 99)
	require.Error(t, err)
}
