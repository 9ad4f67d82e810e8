package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/certinfo"
	"github.com/effective-security/p11keys/mech"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
)

// PublicKey is a verification adapter. Verification runs in software
// against the decoded public key, or on the token when the adapter was
// built from a public-key object and Config.VerifyOnToken is set.
type PublicKey struct {
	session *p11token.Session
	obj     *p11token.Object
	keyType mech.KeyType
	pub     crypto.PublicKey
	cfg     Config
}

// NewPublicKey wraps a public-key object.
func NewPublicKey(s *p11token.Session, obj *p11token.Object, cfg Config) (*PublicKey, error) {
	if obj.Class != pkcs11.CKO_PUBLIC_KEY {
		return nil, errors.Newf("not a public key: %s", obj)
	}
	kt := mech.KeyTypeFromCKK(obj.KeyType)
	if kt == mech.Unknown {
		return nil, errors.Newf("key type not supported: 0x%X", obj.KeyType)
	}
	pub, err := publicKeyFromObject(s, obj, kt)
	if err != nil {
		return nil, err
	}
	return &PublicKey{
		session: s,
		obj:     obj,
		keyType: kt,
		pub:     pub,
		cfg:     cfg,
	}, nil
}

// NewPublicKeyFromCertificate builds a software-only adapter from a
// decoded certificate; verification always runs in software.
func NewPublicKeyFromCertificate(ci *certinfo.CertificateInfo) (*PublicKey, error) {
	var kt mech.KeyType
	switch ci.PublicKey.(type) {
	case *rsa.PublicKey:
		kt = mech.RSA
	case *ecdsa.PublicKey:
		kt = mech.EC
	default:
		return nil, errors.Newf("public key not supported: %T", ci.PublicKey)
	}
	return &PublicKey{keyType: kt, pub: ci.PublicKey}, nil
}

// KeyID returns the CKA_ID, nil for certificate-derived adapters.
func (k *PublicKey) KeyID() []byte {
	if k.obj == nil {
		return nil
	}
	return k.obj.ID
}

// Public returns the decoded public key.
func (k *PublicKey) Public() crypto.PublicKey {
	return k.pub
}

func (k *PublicKey) String() string {
	if k.obj == nil {
		return fmt.Sprintf("type=%s, source=certificate", k.keyType)
	}
	return fmt.Sprintf("type=%s, id=%x, label=%q", k.keyType, k.obj.ID, k.obj.Label)
}

// Verify checks the signature over digest. The digest must already be
// hashed with opts.HashFunc(); ECDSA signatures are expected in ASN.1
// DER form.
func (k *PublicKey) Verify(digest, signature []byte, opts crypto.SignerOpts) error {
	spec, err := mech.Resolve(k.keyType, mech.OpVerify, opts)
	if err != nil {
		return errors.WithMessagef(err, "verify: %s", k)
	}
	if spec.Hash != 0 && len(digest) != spec.Hash.Size() {
		return errors.Mark(
			errors.Newf("verify: digest length %d does not match %s", len(digest), spec.Hash),
			p11token.ErrUnsupportedParameter)
	}

	if k.cfg.VerifyOnToken && k.obj != nil {
		return k.verifyOnToken(spec, digest, signature)
	}
	return k.verifySoftware(digest, signature, opts)
}

func (k *PublicKey) verifyOnToken(spec *mech.Spec, digest, signature []byte) error {
	data := digest
	if len(spec.DigestInfo) > 0 {
		data = append(append([]byte(nil), spec.DigestInfo...), digest...)
	}
	sig := signature
	if k.keyType == mech.EC {
		pub := k.pub.(*ecdsa.PublicKey)
		orderBytes := (pub.Curve.Params().BitSize + 7) / 8
		var err error
		sig, err = mech.ECSignatureFromASN1(signature, orderBytes)
		if err != nil {
			return errors.WithMessagef(err, "verify: %s", k)
		}
	}
	if err := k.session.VerifyData(k.obj, spec.Mechanisms(), data, sig); err != nil {
		return errors.WithMessagef(err, "verify: %s", k)
	}
	return nil
}

func (k *PublicKey) verifySoftware(digest, signature []byte, opts crypto.SignerOpts) error {
	switch pub := k.pub.(type) {
	case *rsa.PublicKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			if err := rsa.VerifyPSS(pub, pss.Hash, digest, signature, pss); err != nil {
				return errors.WithMessagef(err, "verify: %s", k)
			}
			return nil
		}
		var hash crypto.Hash
		if opts != nil {
			hash = opts.HashFunc()
		}
		if err := rsa.VerifyPKCS1v15(pub, hash, digest, signature); err != nil {
			return errors.WithMessagef(err, "verify: %s", k)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, signature) {
			return errors.Newf("verify: invalid signature: %s", k)
		}
		return nil
	}
	return errors.Newf("verify: public key not supported: %T", k.pub)
}
