package certinfo

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/pkg/errors"
)

// KeyInfo summarizes a key: algorithm, strength, and the digest
// recommended for that strength.
type KeyInfo struct {
	KeySize   int
	Type      string
	Curve     string
	IsPrivate bool
	Hash      crypto.Hash
	Key       interface{}
}

// NewKeyInfo summarizes a private key, a public key, a crypto.Signer or
// crypto.Decrypter, or a JWK wrapping any of those.
func NewKeyInfo(k interface{}) (*KeyInfo, error) {
	pub, private, err := publicOf(k)
	if err != nil {
		return nil, err
	}

	ki := &KeyInfo{IsPrivate: private, Key: k}
	switch typ := pub.(type) {
	case *rsa.PublicKey:
		ki.Type = "RSA"
		ki.KeySize = typ.N.BitLen()
		ki.Hash = rsaHash(ki.KeySize)
	case *ecdsa.PublicKey:
		ki.Type = "ECDSA"
		ki.KeySize = typ.Curve.Params().BitSize
		ki.Curve = typ.Curve.Params().Name
		ki.Hash = ecHash(typ.Curve)
	default:
		return nil, errors.Errorf("key not supported: %T", typ)
	}
	return ki, nil
}

// publicOf extracts the public half and reports whether k carried the
// private half. Private key cases come before crypto.Signer: the stdlib
// private keys satisfy it.
func publicOf(k interface{}) (crypto.PublicKey, bool, error) {
	switch typ := k.(type) {
	case *rsa.PrivateKey:
		return typ.Public(), true, nil
	case *ecdsa.PrivateKey:
		return typ.Public(), true, nil
	case *jose.JSONWebKey:
		pub, private, err := publicOf(typ.Key)
		return pub, private, err
	case crypto.Signer:
		return typ.Public(), false, nil
	case crypto.Decrypter:
		return typ.Public(), false, nil
	default:
		return k, false, nil
	}
}

func rsaHash(bits int) crypto.Hash {
	switch {
	case bits >= 4096:
		return crypto.SHA512
	case bits >= 3072:
		return crypto.SHA384
	case bits >= 2048:
		return crypto.SHA256
	default:
		return crypto.SHA1
	}
}

func ecHash(curve elliptic.Curve) crypto.Hash {
	switch curve {
	case elliptic.P256():
		return crypto.SHA256
	case elliptic.P384():
		return crypto.SHA384
	case elliptic.P521():
		return crypto.SHA512
	default:
		return crypto.SHA1
	}
}
