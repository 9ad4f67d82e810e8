package p11token_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Nil(t, p11token.KindOf(nil))
	assert.Nil(t, p11token.KindOf(errors.New("unclassified")))

	wrapped := errors.WithMessage(
		errors.Mark(errors.New("CKR_PIN_INCORRECT"), p11token.ErrAuthentication),
		"Login")
	assert.Equal(t, p11token.ErrAuthentication, p11token.KindOf(wrapped))
}

func TestKindOfSessionErrors(t *testing.T) {
	lib, _, _ := newTestLib(t, true)

	slot, err := lib.FindSlot(testLabel, "")
	require.NoError(t, err)

	_, err = lib.OpenSession(slot, "wrong-pin")
	require.Error(t, err)
	assert.Equal(t, p11token.ErrAuthentication, p11token.KindOf(err))

	s, err := lib.Open()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.FindObjects(pkcs11.CKO_CERTIFICATE)
	require.Error(t, err)
	assert.Equal(t, p11token.ErrSessionClosed, p11token.KindOf(err))
}
