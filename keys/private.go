package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/mech"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
)

// PrivateKey is a handle-backed private key. It implements crypto.Signer
// and crypto.Decrypter; every operation resolves a mechanism and
// delegates to the owning session. Operations are idempotent with
// respect to token state, but ambiguous failures must not be retried
// blindly: close and reopen the session first.
type PrivateKey struct {
	session *p11token.Session
	obj     *p11token.Object
	keyType mech.KeyType
	pub     crypto.PublicKey
	usage   *p11token.KeyUsage
	cfg     Config
}

var _ crypto.Signer = (*PrivateKey)(nil)
var _ crypto.Decrypter = (*PrivateKey)(nil)

// NewPrivateKey wraps a private-key object. The software public key is
// resolved from the matching public-key object or certificate by id.
func NewPrivateKey(s *p11token.Session, obj *p11token.Object, cfg Config) (*PrivateKey, error) {
	if obj.Class != pkcs11.CKO_PRIVATE_KEY {
		return nil, errors.Newf("not a private key: %s", obj)
	}
	kt := mech.KeyTypeFromCKK(obj.KeyType)
	if kt == mech.Unknown {
		return nil, errors.Newf("key type not supported: 0x%X", obj.KeyType)
	}
	usage, err := s.KeyUsage(obj)
	if err != nil {
		return nil, err
	}
	pub, err := publicKeyForID(s, obj.ID, kt)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{
		session: s,
		obj:     obj,
		keyType: kt,
		pub:     pub,
		usage:   usage,
		cfg:     cfg,
	}, nil
}

// KeyID returns the CKA_ID correlating the key with its pair and
// certificate.
func (k *PrivateKey) KeyID() []byte {
	return k.obj.ID
}

// Label returns the CKA_LABEL of the key.
func (k *PrivateKey) Label() string {
	return k.obj.Label
}

// KeyType returns the key type.
func (k *PrivateKey) KeyType() mech.KeyType {
	return k.keyType
}

// Usage returns the operations the key's attributes permit.
func (k *PrivateKey) Usage() p11token.KeyUsage {
	return *k.usage
}

// Public returns the software form of the public key.
func (k *PrivateKey) Public() crypto.PublicKey {
	return k.pub
}

func (k *PrivateKey) String() string {
	return fmt.Sprintf("type=%s, id=%x, label=%q", k.keyType, k.obj.ID, k.obj.Label)
}

// Sign signs digest with the token key. The digest must already be
// hashed with opts.HashFunc(); mechanisms that consume an
// EMSA-PKCS1-v1_5 encoding get the DigestInfo prefix prepended here.
// ECDSA signatures are returned in ASN.1 DER form.
func (k *PrivateKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if !k.usage.Sign {
		return nil, errors.Mark(
			errors.Newf("sign not permitted: %s", k), p11token.ErrKeyUsage)
	}
	spec, err := mech.Resolve(k.keyType, mech.OpSign, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "sign: %s", k)
	}
	if spec.Hash != 0 && len(digest) != spec.Hash.Size() {
		return nil, errors.Mark(
			errors.Newf("sign: digest length %d does not match %s", len(digest), spec.Hash),
			p11token.ErrUnsupportedParameter)
	}

	data := digest
	if len(spec.DigestInfo) > 0 {
		data = append(append([]byte(nil), spec.DigestInfo...), digest...)
	}
	sig, err := k.session.SignData(k.obj, spec.Mechanisms(), data)
	if err != nil {
		return nil, errors.WithMessagef(err, "sign: %s", k)
	}
	if k.keyType == mech.EC {
		sig, err = mech.ECSignatureToASN1(sig)
		if err != nil {
			return nil, errors.WithMessagef(err, "sign: %s", k)
		}
	}
	return sig, nil
}

// Decrypt decrypts ciphertext with the token key. Supported opts are
// nil, *rsa.PKCS1v15DecryptOptions (without session key padding checks,
// which require comparing plaintext locally) and *rsa.OAEPOptions.
func (k *PrivateKey) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if !k.usage.Decrypt {
		return nil, errors.Mark(
			errors.Newf("decrypt not permitted: %s", k), p11token.ErrKeyUsage)
	}

	var params mech.DecryptParams
	switch o := opts.(type) {
	case nil:
	case *rsa.PKCS1v15DecryptOptions:
		if o.SessionKeyLen > 0 {
			return nil, errors.Mark(
				errors.New("session key decryption not supported"),
				p11token.ErrUnsupportedParameter)
		}
	case *rsa.OAEPOptions:
		params = mech.DecryptParams{OAEP: true, Hash: o.Hash, Label: o.Label}
	default:
		return nil, errors.Mark(
			errors.Newf("decrypter options not supported: %T", opts),
			p11token.ErrUnsupportedParameter)
	}

	spec, err := mech.Resolve(k.keyType, mech.OpDecrypt, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "decrypt: %s", k)
	}
	plaintext, err := k.session.DecryptData(k.obj, spec.MechanismID, spec.OAEP, ciphertext)
	if err != nil {
		return nil, errors.WithMessagef(err, "decrypt: %s", k)
	}
	return plaintext, nil
}

// DeriveSharedSecret performs ECDH key agreement with the peer public
// key and returns the x-coordinate of the shared point. The peer must be
// on the same curve as the token key.
func (k *PrivateKey) DeriveSharedSecret(peer *ecdsa.PublicKey) ([]byte, error) {
	if !k.usage.Derive {
		return nil, errors.Mark(
			errors.Newf("derive not permitted: %s", k), p11token.ErrKeyUsage)
	}
	own, ok := k.pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.Mark(
			errors.Newf("key agreement not defined for key type: %s", k.keyType),
			p11token.ErrUnsupportedParameter)
	}
	if peer == nil || peer.Curve != own.Curve {
		return nil, errors.Mark(
			errors.New("peer public key is not on the key's curve"),
			p11token.ErrUnsupportedParameter)
	}

	spec, err := mech.Resolve(k.keyType, mech.OpDerive, mech.DeriveParams{
		Bits: own.Curve.Params().BitSize,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "derive: %s", k)
	}
	point, err := mech.ECPoint(peer)
	if err != nil {
		return nil, errors.WithMessagef(err, "derive: %s", k)
	}
	params := pkcs11.NewECDH1DeriveParams(pkcs11.CKD_NULL, nil, point)
	secret, err := k.session.DeriveSharedSecret(k.obj, spec.MechanismID, params, spec.SecretLen)
	if err != nil {
		return nil, errors.WithMessagef(err, "derive: %s", k)
	}
	return secret, nil
}
