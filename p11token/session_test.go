package p11token_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/mockp11"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLabel  = "unit-test"
	testSerial = "123456"
	testPin    = "7712"
)

func newTestLib(t *testing.T, loginRequired bool) (*p11token.Lib, *mockp11.Module, *mockp11.Token) {
	t.Helper()
	m := mockp11.New()
	tok := m.AddToken(testLabel, testSerial, testPin, loginRequired)
	lib, err := p11token.New(m, p11token.NewTokenConfig("", testLabel, "", testPin))
	require.NoError(t, err)
	return lib, m, tok
}

func genRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestTokensInfo(t *testing.T) {
	lib, _, _ := newTestLib(t, true)

	list, err := lib.TokensInfo()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, testLabel, list[0].Label)
	assert.Equal(t, testSerial, list[0].Serial)
	assert.True(t, list[0].LoginRequired())

	slot, err := lib.FindSlot("", testSerial)
	require.NoError(t, err)
	assert.Equal(t, list[0].SlotID, slot.SlotID)

	_, err = lib.FindSlot("", "no-such-serial")
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrDevice))
}

func TestSessionLifecycle(t *testing.T) {
	lib, _, _ := newTestLib(t, true)

	s, err := lib.Open()
	require.NoError(t, err)
	assert.True(t, s.LoggedIn())

	err = s.Open(testPin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrAlreadyOpen))

	require.NoError(t, s.Close())
	// close is idempotent
	require.NoError(t, s.Close())

	_, err = s.FindObjects(pkcs11.CKO_CERTIFICATE)
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrSessionClosed))

	// the same session can be opened again after close
	require.NoError(t, s.Open(testPin))
	assert.True(t, s.LoggedIn())
	require.NoError(t, s.Close())
}

func TestOpenBadPin(t *testing.T) {
	lib, _, _ := newTestLib(t, true)

	slot, err := lib.FindSlot(testLabel, "")
	require.NoError(t, err)

	_, err = lib.OpenSession(slot, "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrAuthentication))
}

func TestSecondSessionSharesLogin(t *testing.T) {
	lib, _, tok := newTestLib(t, true)
	tok.AddRSAKeyPair([]byte{1}, "k1", genRSA(t), p11token.KeyUsage{Sign: true, Verify: true})

	slot, err := lib.FindSlot(testLabel, "")
	require.NoError(t, err)

	s1, err := lib.OpenSession(slot, testPin)
	require.NoError(t, err)
	defer s1.Close()

	// login state is token-wide: the second session opens without
	// holding the login itself
	s2, err := lib.OpenSession(slot, testPin)
	require.NoError(t, err)
	defer s2.Close()
	assert.False(t, s2.LoggedIn())

	_, err = s2.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrAuthentication))

	objs, err := s1.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestDeviceRemoved(t *testing.T) {
	lib, _, tok := newTestLib(t, false)
	tok.AddRSAKeyPair([]byte{1}, "k1", genRSA(t), p11token.KeyUsage{Sign: true})

	s, err := lib.Open()
	require.NoError(t, err)

	objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	tok.Remove()

	_, err = s.SignData(objs[0],
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)},
		[]byte("digest"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrDevice))

	// close never fails, even with the device gone
	require.NoError(t, s.Close())

	err = s.Open(testPin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrDevice))
}

// slowCtx delays every Sign call to trigger operation timeouts.
type slowCtx struct {
	p11token.Ctx
	delay time.Duration
}

func (c slowCtx) Sign(sh pkcs11.SessionHandle, data []byte) ([]byte, error) {
	time.Sleep(c.delay)
	return c.Ctx.Sign(sh, data)
}

func TestTimeoutPoisonsSession(t *testing.T) {
	m := mockp11.New()
	tok := m.AddToken(testLabel, testSerial, testPin, false)
	tok.AddRSAKeyPair([]byte{1}, "k1", genRSA(t), p11token.KeyUsage{Sign: true})

	lib, err := p11token.New(
		slowCtx{Ctx: m, delay: 500 * time.Millisecond},
		p11token.NewTokenConfig("", testLabel, "", testPin))
	require.NoError(t, err)

	s, err := lib.Open(p11token.WithTimeout(20 * time.Millisecond))
	require.NoError(t, err)

	objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	_, err = s.SignData(objs[0],
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)},
		[]byte("digest"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrOperation))

	// the session is discarded, not retried
	_, err = s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	require.Error(t, err)
	assert.True(t, errors.Is(err, p11token.ErrSessionClosed))

	require.NoError(t, s.Close())
}

func TestWithSession(t *testing.T) {
	lib, _, tok := newTestLib(t, true)
	tok.AddRSAKeyPair([]byte{1}, "k1", genRSA(t), p11token.KeyUsage{Sign: true})

	var found int
	err := lib.WithSession(testPin, func(s *p11token.Session) error {
		objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
		if err != nil {
			return err
		}
		found = len(objs)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, found)
}
