package p11token_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/p11keys/p11token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyURI(t *testing.T) {
	u, err := p11token.ParseKeyURI(
		"pkcs11:token=My%20Token;serial=123456;object=my-key;id=%01%02;type=private;slot-id=3" +
			"?pin-value=7712&module-path=/usr/lib/softhsm/libsofthsm2.so")
	require.NoError(t, err)

	assert.Equal(t, "My Token", u.Token)
	assert.Equal(t, "123456", u.Serial)
	assert.Equal(t, "my-key", u.Object)
	assert.Equal(t, []byte{1, 2}, u.ID)
	assert.Equal(t, "private", u.Type)
	assert.Equal(t, 3, u.SlotID)
	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", u.ModulePath)

	pin, err := u.Pin()
	require.NoError(t, err)
	assert.Equal(t, "7712", pin)
}

func TestParseKeyURIPinSource(t *testing.T) {
	pinfile := filepath.Join(t.TempDir(), "pin.txt")
	require.NoError(t, os.WriteFile(pinfile, []byte("7712\n"), 0600))

	u, err := p11token.ParseKeyURI("pkcs11:token=unit-test?pin-source=" + pinfile)
	require.NoError(t, err)

	pin, err := u.Pin()
	require.NoError(t, err)
	assert.Equal(t, "7712", pin)
}

func TestParseKeyURIInvalid(t *testing.T) {
	tcases := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", "https://example.com"},
		{"both pins", "pkcs11:token=x?pin-value=1&pin-source=/tmp/pin"},
		{"bad type", "pkcs11:type=wrapping"},
		{"bad slot", "pkcs11:slot-id=minus-one"},
		{"malformed attribute", "pkcs11:token"},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p11token.ParseKeyURI(tc.uri)
			assert.Error(t, err)
		})
	}
}

func TestKeyURITokenConfig(t *testing.T) {
	u, err := p11token.ParseKeyURI(
		"pkcs11:token=unit-test;serial=123456;slot-id=1?pin-value=7712&module-path=/usr/lib/p11.so")
	require.NoError(t, err)

	cfg, err := u.TokenConfig()
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/p11.so", cfg.Path())
	assert.Equal(t, "unit-test", cfg.TokenLabel())
	assert.Equal(t, "123456", cfg.TokenSerial())
	assert.Equal(t, 1, cfg.SlotID())
	assert.Equal(t, "7712", cfg.Pin())
}
