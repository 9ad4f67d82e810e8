package mech

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// curves supported by the EC mechanisms.
var curves = map[elliptic.Curve]bool{
	elliptic.P224(): true,
	elliptic.P256(): true,
	elliptic.P384(): true,
	elliptic.P521(): true,
}

// CurveSupported reports whether the curve has a mechanism encoding.
func CurveSupported(c elliptic.Curve) bool {
	return curves[c]
}

// ECPoint encodes the public key as an uncompressed ANSI X9.63 point,
// the public-data format CKM_ECDH1_DERIVE expects. Coordinates are
// left-padded to the field size.
func ECPoint(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil || pub.Curve == nil {
		return nil, unsupported("peer public key not provided")
	}
	if !CurveSupported(pub.Curve) {
		return nil, unsupported("curve not supported: %s", pub.Curve.Params().Name)
	}
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 1+2*byteLen)
	out[0] = 4 // uncompressed
	pub.X.FillBytes(out[1 : 1+byteLen])
	pub.Y.FillBytes(out[1+byteLen:])
	return out, nil
}

// ECSignatureToASN1 converts the token's raw R||S signature into the
// ASN.1 DER form the crypto.Signer contract requires for ECDSA.
func ECSignatureToASN1(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, errors.Newf("invalid raw signature length: %d", len(raw))
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// ECSignatureFromASN1 converts an ASN.1 DER signature into the raw R||S
// form sized to the curve order, the input encoding CKM_ECDSA verifies.
func ECSignatureFromASN1(sig []byte, orderBytes int) ([]byte, error) {
	var r, s big.Int
	input := cryptobyte.String(sig)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(&r) ||
		!inner.ReadASN1Integer(&s) ||
		!inner.Empty() {
		return nil, errors.New("malformed ASN.1 signature")
	}
	if r.BitLen() > orderBytes*8 || s.BitLen() > orderBytes*8 {
		return nil, errors.New("signature values exceed curve order size")
	}
	out := make([]byte, 2*orderBytes)
	r.FillBytes(out[:orderBytes])
	s.FillBytes(out[orderBytes:])
	return out, nil
}
