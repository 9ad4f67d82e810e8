package p11token

import (
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// KeyURI is a parsed RFC 7512 "pkcs11:" URI addressing a token object.
type KeyURI struct {
	// Token is the token label.
	Token string
	// Serial is the token serial number.
	Serial string
	// Object is the CKA_LABEL of the addressed object.
	Object string
	// ID is the CKA_ID of the addressed object.
	ID []byte
	// SlotID is the explicit slot, negative when not set.
	SlotID int
	// Type is the object type: public, private, cert, secret-key or data.
	Type string
	// ModulePath is the absolute path to the PKCS#11 library.
	ModulePath string

	pinValue  string
	pinSource string
}

// Pin resolves the PIN from the URI query: pin-value wins, pin-source is
// read as a file path.
func (u *KeyURI) Pin() (string, error) {
	if u.pinValue != "" {
		return u.pinValue, nil
	}
	if u.pinSource != "" {
		b, err := os.ReadFile(u.pinSource)
		if err != nil {
			return "", errors.WithMessagef(err, "unable to read pin-source: %s", u.pinSource)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", nil
}

// TokenConfig projects the URI onto a TokenConfig, with the pin resolved.
func (u *KeyURI) TokenConfig() (TokenConfig, error) {
	pin, err := u.Pin()
	if err != nil {
		return nil, err
	}
	cfg := &tokenConfig{
		Lib:    u.ModulePath,
		Label:  u.Token,
		Serial: u.Serial,
		Pwd:    pin,
	}
	if u.SlotID >= 0 {
		slot := u.SlotID
		cfg.Slot = &slot
	}
	return cfg, nil
}

// ParseKeyURI parses an RFC 7512 PKCS#11 URI. Path attributes are
// separated by ";", query attributes follow "?". A URI carrying both
// pin-value and pin-source is refused as invalid.
func ParseKeyURI(uri string) (*KeyURI, error) {
	rest, ok := strings.CutPrefix(uri, "pkcs11:")
	if !ok {
		return nil, errors.Errorf("not a pkcs11 URI: %q", uri)
	}

	res := &KeyURI{SlotID: -1}

	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}

	for _, part := range strings.Split(rest, ";") {
		if part == "" {
			continue
		}
		name, value, err := uriAttribute(part)
		if err != nil {
			return nil, err
		}
		switch name {
		case "token":
			res.Token = value
		case "serial":
			res.Serial = value
		case "object":
			res.Object = value
		case "id":
			res.ID = []byte(value)
		case "type":
			switch value {
			case "public", "private", "cert", "secret-key", "data":
				res.Type = value
			default:
				return nil, errors.Errorf("invalid object type: %q", value)
			}
		case "slot-id":
			slot, err := strconv.Atoi(value)
			if err != nil || slot < 0 {
				return nil, errors.Errorf("invalid slot-id: %q", value)
			}
			res.SlotID = slot
		default:
			// unrecognized path attributes are ignored per RFC 7512
			logger.Tracef("reason=ignored_attribute, name=%q", name)
		}
	}

	if query != "" {
		for _, part := range strings.Split(query, "&") {
			if part == "" {
				continue
			}
			name, value, err := uriAttribute(part)
			if err != nil {
				return nil, err
			}
			switch name {
			case "pin-value":
				res.pinValue = value
			case "pin-source":
				res.pinSource = value
			case "module-path":
				res.ModulePath = value
			default:
				logger.Tracef("reason=ignored_attribute, name=%q", name)
			}
		}
	}

	if res.pinValue != "" && res.pinSource != "" {
		return nil, errors.New("URI must not carry both pin-value and pin-source")
	}
	return res, nil
}

func uriAttribute(part string) (name, value string, err error) {
	name, value, ok := strings.Cut(part, "=")
	if !ok || name == "" {
		return "", "", errors.Errorf("malformed URI attribute: %q", part)
	}
	value, err = url.PathUnescape(value)
	if err != nil {
		return "", "", errors.WithMessagef(err, "malformed URI attribute: %q", part)
	}
	return name, value, nil
}
