// Package keys exposes token-resident RSA and EC keys through the
// standard crypto.Signer and crypto.Decrypter interfaces. Adapters hold
// only object handles; private key material never leaves the token.
package keys

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/certinfo"
	"github.com/effective-security/p11keys/mech"
	"github.com/effective-security/p11keys/p11token"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11keys", "keys")

// Config controls adapter behavior.
type Config struct {
	// VerifyOnToken routes signature verification through the token's
	// verify operation instead of verifying in software with the decoded
	// public key. Token verification trusts nothing outside the device,
	// but not every token exposes it; the default is software.
	VerifyOnToken bool
}

// ListPrivateKeys returns an adapter for every private key visible in
// the session. Requires a logged-in session on tokens that demand login.
func ListPrivateKeys(s *p11token.Session, cfg Config) ([]*PrivateKey, error) {
	objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return nil, err
	}
	list := make([]*PrivateKey, 0, len(objs))
	for _, obj := range objs {
		k, err := NewPrivateKey(s, obj, cfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "private key: id=%x, label=%q", obj.ID, obj.Label)
		}
		list = append(list, k)
	}
	return list, nil
}

// FindPrivateKey locates one private key by id or label.
func FindPrivateKey(s *p11token.Session, cfg Config, id []byte, label string) (*PrivateKey, error) {
	var filter []*pkcs11.Attribute
	if len(id) > 0 {
		filter = append(filter, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	if label != "" {
		filter = append(filter, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	objs, err := s.FindObjects(pkcs11.CKO_PRIVATE_KEY, filter...)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, errors.Newf("private key not found: id=%x, label=%q", id, label)
	}
	if len(objs) > 1 {
		logger.Warningf("reason=ambiguous_key, id=%x, label=%q, count=%d", id, label, len(objs))
	}
	return NewPrivateKey(s, objs[0], cfg)
}

// FindPublicKey locates one public key adapter by id.
func FindPublicKey(s *p11token.Session, cfg Config, id []byte) (*PublicKey, error) {
	objs, err := s.FindObjects(pkcs11.CKO_PUBLIC_KEY, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, errors.Newf("public key not found: id=%x", id)
	}
	return NewPublicKey(s, objs[0], cfg)
}

// ListCertificates returns decoded metadata for every certificate stored
// on the token, carrying the object id used to correlate with key pairs.
func ListCertificates(s *p11token.Session) ([]*certinfo.CertificateInfo, error) {
	objs, err := s.FindObjects(pkcs11.CKO_CERTIFICATE)
	if err != nil {
		return nil, err
	}
	list := make([]*certinfo.CertificateInfo, 0, len(objs))
	for _, obj := range objs {
		attrs, err := s.GetAttributes(obj, pkcs11.CKA_VALUE)
		if err != nil {
			return nil, err
		}
		ci, err := certinfo.Decode(attrs[pkcs11.CKA_VALUE])
		if err != nil {
			return nil, errors.WithMessagef(err, "certificate: id=%x, label=%q", obj.ID, obj.Label)
		}
		list = append(list, ci.WithObject(obj.ID, obj.Label))
	}
	return list, nil
}

// CertificateForKey returns the certificate whose id matches the key's,
// nil when the token stores none.
func CertificateForKey(s *p11token.Session, k *PrivateKey) (*certinfo.CertificateInfo, error) {
	certs, err := ListCertificates(s)
	if err != nil {
		return nil, err
	}
	for _, ci := range certs {
		if bytes.Equal(ci.ID, k.KeyID()) {
			return ci, nil
		}
	}
	return nil, nil
}

// publicKeyForID reconstructs the software public key for the key pair:
// first from a public key object with the same id, then from a matching
// certificate.
func publicKeyForID(s *p11token.Session, id []byte, kt mech.KeyType) (interface{}, error) {
	objs, err := s.FindObjects(pkcs11.CKO_PUBLIC_KEY, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	if err != nil {
		return nil, err
	}
	if len(objs) > 0 {
		return publicKeyFromObject(s, objs[0], kt)
	}

	certs, err := s.FindObjects(pkcs11.CKO_CERTIFICATE, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	if err != nil {
		return nil, err
	}
	if len(certs) > 0 {
		attrs, err := s.GetAttributes(certs[0], pkcs11.CKA_VALUE)
		if err != nil {
			return nil, err
		}
		ci, err := certinfo.Decode(attrs[pkcs11.CKA_VALUE])
		if err != nil {
			return nil, err
		}
		return ci.PublicKey, nil
	}
	return nil, errors.Newf("no public key or certificate: id=%x", id)
}

func publicKeyFromObject(s *p11token.Session, obj *p11token.Object, kt mech.KeyType) (interface{}, error) {
	switch kt {
	case mech.RSA:
		attrs, err := s.GetAttributes(obj, pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT)
		if err != nil {
			return nil, err
		}
		return certinfo.RSAPublicKeyFromAttributes(
			attrs[pkcs11.CKA_MODULUS], attrs[pkcs11.CKA_PUBLIC_EXPONENT])
	case mech.EC:
		attrs, err := s.GetAttributes(obj, pkcs11.CKA_EC_PARAMS, pkcs11.CKA_EC_POINT)
		if err != nil {
			return nil, err
		}
		return certinfo.ECPublicKeyFromAttributes(
			attrs[pkcs11.CKA_EC_PARAMS], attrs[pkcs11.CKA_EC_POINT])
	}
	return nil, errors.Newf("key type not supported: %s", kt)
}
