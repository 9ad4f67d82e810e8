package p11token_test

import (
	"testing"

	"github.com/effective-security/p11keys/p11token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTokenConfigJSON(t *testing.T) {
	cfg, err := p11token.LoadTokenConfig("testdata/softhsm_unittest.json")
	require.NoError(t, err)

	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", cfg.Path())
	assert.Equal(t, "unit-test", cfg.TokenLabel())
	assert.Empty(t, cfg.TokenSerial())
	assert.Equal(t, -1, cfg.SlotID())
	// pin resolved from the file: reference
	assert.Equal(t, "7712", cfg.Pin())
}

func TestLoadTokenConfigYAML(t *testing.T) {
	jc, err := p11token.LoadTokenConfig("testdata/softhsm_unittest.json")
	require.NoError(t, err)

	yc, err := p11token.LoadTokenConfig("testdata/softhsm_unittest.yaml")
	require.NoError(t, err)

	assert.Equal(t, jc.Path(), yc.Path())
	assert.Equal(t, jc.TokenLabel(), yc.TokenLabel())
	assert.Equal(t, jc.Pin(), yc.Pin())
}

func TestLoadTokenConfigNotFound(t *testing.T) {
	_, err := p11token.LoadTokenConfig("testdata/no_such_file.json")
	assert.Error(t, err)
}

func TestNewTokenConfig(t *testing.T) {
	cfg := p11token.NewTokenConfig("/usr/lib/p11.so", "label", "serial", "pin")
	assert.Equal(t, "/usr/lib/p11.so", cfg.Path())
	assert.Equal(t, "label", cfg.TokenLabel())
	assert.Equal(t, "serial", cfg.TokenSerial())
	assert.Equal(t, "pin", cfg.Pin())
	assert.Equal(t, -1, cfg.SlotID())
	assert.Empty(t, cfg.Attributes())
}
