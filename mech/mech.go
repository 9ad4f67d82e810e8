// Package mech maps generic key and algorithm parameters to PKCS#11
// mechanisms. The mapping is a pure function of its inputs: it never
// touches hardware, so every supported combination can be tested
// exhaustively without a token.
package mech

import (
	"crypto"
	"crypto/rsa"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
)

// KeyType is the kind of token key an operation targets.
type KeyType uint

// Supported key types
const (
	RSA KeyType = iota
	EC
	Unknown
)

// KeyTypeFromCKK maps a CKA_KEY_TYPE attribute value.
func KeyTypeFromCKK(ckk uint) KeyType {
	switch ckk {
	case pkcs11.CKK_RSA:
		return RSA
	case pkcs11.CKK_EC:
		return EC
	default:
		return Unknown
	}
}

func (t KeyType) String() string {
	switch t {
	case RSA:
		return "RSA"
	case EC:
		return "EC"
	default:
		return "unknown"
	}
}

// Operation is the kind of hardware operation being resolved.
type Operation int

// Supported operations
const (
	OpSign Operation = iota
	OpVerify
	OpDecrypt
	OpDerive
)

// Spec is a resolved mechanism: the identifier, its parameter encoding
// and the digest policy for the input. Safe to recompute per call.
type Spec struct {
	// MechanismID is the CKM_* mechanism.
	MechanismID uint
	// Parameter is the raw mechanism parameter blob (PSS), nil otherwise.
	Parameter []byte
	// OAEP carries structured OAEP parameters for decryption mechanisms.
	OAEP *pkcs11.OAEPParams
	// Hash is the digest the mechanism expects as input; zero when the
	// mechanism consumes a raw message.
	Hash crypto.Hash
	// DigestInfo is the DER prefix prepended to the digest for
	// mechanisms that expect an EMSA-PKCS1-v1_5 DigestInfo encoding.
	DigestInfo []byte
	// SecretLen is the derived secret length in bytes, derive only.
	SecretLen int
}

// Mechanisms returns the mechanism list for sign and verify calls.
func (s *Spec) Mechanisms() []*pkcs11.Mechanism {
	if s.Parameter != nil {
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(s.MechanismID, s.Parameter)}
	}
	return []*pkcs11.Mechanism{pkcs11.NewMechanism(s.MechanismID, nil)}
}

// SignatureParams describe a requested signature scheme.
type SignatureParams struct {
	// Hash is the digest algorithm; zero selects the raw PKCS#1 v1.5
	// mechanism over an unhashed message (RSA only).
	Hash crypto.Hash
	// PSS selects RSASSA-PSS padding for RSA keys.
	PSS bool
	// SaltLength is the PSS salt length; values <= 0 (including the
	// rsa.PSSSaltLengthAuto and rsa.PSSSaltLengthEqualsHash sentinels)
	// normalize to the digest length.
	SaltLength int
}

// SignatureParamsFromOpts converts crypto.SignerOpts as accepted by the
// standard library signing interfaces.
func SignatureParamsFromOpts(opts crypto.SignerOpts) SignatureParams {
	p := SignatureParams{}
	if opts == nil {
		return p
	}
	p.Hash = opts.HashFunc()
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		p.PSS = true
		p.SaltLength = pss.SaltLength
	}
	return p
}

// DecryptParams describe a requested decryption scheme.
type DecryptParams struct {
	// OAEP selects RSAES-OAEP, otherwise RSAES-PKCS1-v1_5.
	OAEP bool
	// Hash is the OAEP digest algorithm.
	Hash crypto.Hash
	// Label is the OAEP label; only the empty label is supported.
	Label []byte
}

// DeriveParams describe a requested key agreement.
type DeriveParams struct {
	// Bits is the field size of the key's curve; the derived secret is
	// the x-coordinate, (Bits+7)/8 bytes.
	Bits int
}

// hashInfo relates supported digests to their PKCS#11 encodings.
type hashInfo struct {
	ckm    uint
	mgf    uint
	prefix []byte
}

// digestInfoPrefix values follow RFC 8017 A.2.4.
var hashes = map[crypto.Hash]hashInfo{
	crypto.SHA1: {
		ckm: pkcs11.CKM_SHA_1,
		mgf: pkcs11.CKG_MGF1_SHA1,
		prefix: []byte{0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03,
			0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	},
	crypto.SHA224: {
		ckm: pkcs11.CKM_SHA224,
		mgf: pkcs11.CKG_MGF1_SHA224,
		prefix: []byte{0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48,
			0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	},
	crypto.SHA256: {
		ckm: pkcs11.CKM_SHA256,
		mgf: pkcs11.CKG_MGF1_SHA256,
		prefix: []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48,
			0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	},
	crypto.SHA384: {
		ckm: pkcs11.CKM_SHA384,
		mgf: pkcs11.CKG_MGF1_SHA384,
		prefix: []byte{0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48,
			0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	},
	crypto.SHA512: {
		ckm: pkcs11.CKM_SHA512,
		mgf: pkcs11.CKG_MGF1_SHA512,
		prefix: []byte{0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48,
			0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
	},
}

func unsupported(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), p11token.ErrUnsupportedParameter)
}

// Resolve maps (key type, operation, parameters) to a mechanism spec.
// Deterministic and side-effect free; unsupported combinations fail with
// p11token.ErrUnsupportedParameter and never reach hardware.
func Resolve(kt KeyType, op Operation, params any) (*Spec, error) {
	switch op {
	case OpSign, OpVerify:
		switch p := params.(type) {
		case SignatureParams:
			return ResolveSignature(kt, p)
		case crypto.SignerOpts:
			return ResolveSignature(kt, SignatureParamsFromOpts(p))
		}
	case OpDecrypt:
		if p, ok := params.(DecryptParams); ok {
			return ResolveDecrypt(kt, p)
		}
	case OpDerive:
		if p, ok := params.(DeriveParams); ok {
			return ResolveDerive(kt, p)
		}
	}
	return nil, unsupported("parameters %T not valid for operation", params)
}

// ResolveSignature resolves sign and verify mechanisms.
func ResolveSignature(kt KeyType, p SignatureParams) (*Spec, error) {
	switch kt {
	case RSA:
		if p.Hash == 0 {
			if p.PSS {
				return nil, unsupported("PSS requires a digest algorithm")
			}
			// raw EMSA-PKCS1-v1_5 over the caller's message
			return &Spec{MechanismID: pkcs11.CKM_RSA_PKCS}, nil
		}
		hi, ok := hashes[p.Hash]
		if !ok {
			return nil, unsupported("digest not supported: %s", hashName(p.Hash))
		}
		if !p.PSS {
			return &Spec{
				MechanismID: pkcs11.CKM_RSA_PKCS,
				Hash:        p.Hash,
				DigestInfo:  hi.prefix,
			}, nil
		}
		saltLen := p.SaltLength
		if saltLen <= 0 {
			// PSSSaltLengthAuto and PSSSaltLengthEqualsHash
			saltLen = p.Hash.Size()
		}
		return &Spec{
			MechanismID: pkcs11.CKM_RSA_PKCS_PSS,
			Parameter:   encodePSSParams(hi.ckm, hi.mgf, uint(saltLen)),
			Hash:        p.Hash,
		}, nil

	case EC:
		if p.PSS {
			return nil, unsupported("PSS not defined for EC keys")
		}
		if p.Hash == 0 {
			return nil, unsupported("EC signatures require a digest algorithm")
		}
		if _, ok := hashes[p.Hash]; !ok {
			return nil, unsupported("digest not supported: %s", hashName(p.Hash))
		}
		return &Spec{
			MechanismID: pkcs11.CKM_ECDSA,
			Hash:        p.Hash,
		}, nil
	}
	return nil, unsupported("key type not supported: %s", kt)
}

// ResolveDecrypt resolves decryption mechanisms.
func ResolveDecrypt(kt KeyType, p DecryptParams) (*Spec, error) {
	if kt != RSA {
		return nil, unsupported("decryption not defined for key type: %s", kt)
	}
	if !p.OAEP {
		return &Spec{MechanismID: pkcs11.CKM_RSA_PKCS}, nil
	}
	hi, ok := hashes[p.Hash]
	if !ok {
		return nil, unsupported("digest not supported: %s", hashName(p.Hash))
	}
	if len(p.Label) != 0 {
		// CKZ_DATA_SPECIFIED source data is not portable across tokens
		return nil, unsupported("OAEP label not supported")
	}
	return &Spec{
		MechanismID: pkcs11.CKM_RSA_PKCS_OAEP,
		OAEP:        pkcs11.NewOAEPParams(hi.ckm, hi.mgf, pkcs11.CKZ_DATA_SPECIFIED, nil),
		Hash:        p.Hash,
	}, nil
}

// ResolveDerive resolves key agreement mechanisms.
func ResolveDerive(kt KeyType, p DeriveParams) (*Spec, error) {
	if kt != EC {
		return nil, unsupported("key agreement not defined for key type: %s", kt)
	}
	if p.Bits <= 0 {
		return nil, unsupported("invalid curve size: %d", p.Bits)
	}
	return &Spec{
		MechanismID: pkcs11.CKM_ECDH1_DERIVE,
		SecretLen:   (p.Bits + 7) / 8,
	}, nil
}

// encodePSSParams encodes CK_RSA_PKCS_PSS_PARAMS as native CK_ULONGs.
func encodePSSParams(hashAlg, mgf, saltLen uint) []byte {
	b := make([]byte, 0, 3*8)
	b = append(b, p11token.UlongToBytes(hashAlg)...)
	b = append(b, p11token.UlongToBytes(mgf)...)
	b = append(b, p11token.UlongToBytes(saltLen)...)
	return b
}

// DecodePSSParams decodes a CK_RSA_PKCS_PSS_PARAMS blob. Used by software
// token implementations.
func DecodePSSParams(b []byte) (hashAlg, mgf, saltLen uint, err error) {
	if len(b) != 3*8 {
		return 0, 0, 0, errors.Newf("invalid PSS parameter length: %d", len(b))
	}
	return p11token.BytesToUlong(b[0:8]), p11token.BytesToUlong(b[8:16]), p11token.BytesToUlong(b[16:24]), nil
}

// HashFromCKM maps a digest mechanism back to crypto.Hash.
func HashFromCKM(ckm uint) (crypto.Hash, bool) {
	for h, hi := range hashes {
		if hi.ckm == ckm {
			return h, true
		}
	}
	return 0, false
}

func hashName(h crypto.Hash) string {
	if h == 0 {
		return "none"
	}
	return h.String()
}
