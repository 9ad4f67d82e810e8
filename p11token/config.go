package p11token

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TokenConfig holds PKCS#11 configuration information.
//
// A token may be identified by slot ID, serial number or label. If more
// than one is specified then the first match wins.
type TokenConfig interface {
	// Path is the full path to the PKCS#11 library.
	Path() string

	// TokenSerial is the token serial number.
	TokenSerial() string

	// TokenLabel is the token label.
	TokenLabel() string

	// SlotID is an explicit slot, used when the token carries neither
	// serial nor label. Negative when not set.
	SlotID() int

	// Pin is a secret to access the token.
	// If it's prefixed with `file:`, then it will be loaded from the file.
	Pin() string

	// Attributes is a comma separated list of key=value pairs.
	Attributes() string
}

type tokenConfig struct {
	Lib    string `json:"Path"        yaml:"path"`
	Serial string `json:"TokenSerial" yaml:"token_serial"`
	Label  string `json:"TokenLabel"  yaml:"token_label"`
	Slot   *int   `json:"SlotID"      yaml:"slot_id"`
	Pwd    string `json:"Pin"         yaml:"pin"`
	Attrs  string `json:"Attributes"  yaml:"attributes"`
}

// Path is the full path to the PKCS#11 library
func (c *tokenConfig) Path() string {
	return c.Lib
}

// TokenSerial is the token serial number
func (c *tokenConfig) TokenSerial() string {
	return c.Serial
}

// TokenLabel is the token label
func (c *tokenConfig) TokenLabel() string {
	return c.Label
}

// SlotID is an explicit slot, negative when not set
func (c *tokenConfig) SlotID() int {
	if c.Slot == nil {
		return -1
	}
	return *c.Slot
}

// Pin is a secret to access the token.
// If it's prefixed with `file:`, then it will be loaded from the file.
func (c *tokenConfig) Pin() string {
	return c.Pwd
}

// Attributes is a comma separated list of key=value pairs
func (c *tokenConfig) Attributes() string {
	return c.Attrs
}

// NewTokenConfig returns TokenConfig from explicit values.
func NewTokenConfig(path, tokenLabel, tokenSerial, pin string) TokenConfig {
	return &tokenConfig{
		Lib:    path,
		Label:  tokenLabel,
		Serial: tokenSerial,
		Pwd:    pin,
	}
}

// LoadTokenConfig loads PKCS#11 token configuration from a JSON or YAML
// file. A pin with the `file:` prefix is resolved relative to the current
// directory or to the configuration file.
func LoadTokenConfig(filename string) (TokenConfig, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	cfg := new(tokenConfig)
	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(f).Decode(cfg)
	} else {
		err = yaml.NewDecoder(f).Decode(cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	pin := cfg.Pin()
	if strings.HasPrefix(pin, "file:") {
		pinfile := pin[5:]

		// try to resolve pin file
		cwd, _ := os.Getwd()
		folders := []string{
			"",
			cwd,
			filepath.Dir(filename),
		}

		for _, folder := range folders {
			if resolved, err := resolve(pinfile, folder); err == nil {
				pinfile = resolved
				break
			}
			logger.Warningf("reason=resolve, pinfile=%q, basedir=%q", pinfile, folder)
		}

		pb, err := os.ReadFile(pinfile)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
		}
		cfg.Pwd = strings.TrimSpace(string(pb))
	}

	return cfg, nil
}

// resolve returns absolute file name relative to baseDir,
// or an error when the file does not exist.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
