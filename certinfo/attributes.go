package certinfo

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/cockroachdb/errors"
)

// named curve identifiers from SEC 2 and RFC 5480
var (
	oidCurveP224 = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	oidCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// CurveFromOID maps a named-curve OID DER encoding (the CKA_EC_PARAMS
// attribute value) to the curve.
func CurveFromOID(ecParams []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	rest, err := asn1.Unmarshal(ecParams, &oid)
	if err != nil || len(rest) != 0 {
		return nil, errors.New("EC params are not a named curve identifier")
	}
	switch {
	case oid.Equal(oidCurveP224):
		return elliptic.P224(), nil
	case oid.Equal(oidCurveP256):
		return elliptic.P256(), nil
	case oid.Equal(oidCurveP384):
		return elliptic.P384(), nil
	case oid.Equal(oidCurveP521):
		return elliptic.P521(), nil
	}
	return nil, errors.Newf("unrecognized curve: %s", oid)
}

// OIDFromCurve returns the DER-encoded named-curve identifier, the value
// tokens store in CKA_EC_PARAMS.
func OIDFromCurve(curve elliptic.Curve) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	switch curve {
	case elliptic.P224():
		oid = oidCurveP224
	case elliptic.P256():
		oid = oidCurveP256
	case elliptic.P384():
		oid = oidCurveP384
	case elliptic.P521():
		oid = oidCurveP521
	default:
		return nil, errors.Newf("unrecognized curve: %s", curve.Params().Name)
	}
	return asn1.Marshal(oid)
}

// RSAPublicKeyFromAttributes rebuilds the public key from the
// CKA_MODULUS and CKA_PUBLIC_EXPONENT attribute values.
func RSAPublicKeyFromAttributes(modulus, exponent []byte) (*rsa.PublicKey, error) {
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, errors.New("missing RSA public key attributes")
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, errors.New("invalid RSA public exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(e.Int64()),
	}, nil
}

// ECPublicKeyFromAttributes rebuilds the public key from the
// CKA_EC_PARAMS and CKA_EC_POINT attribute values. The point is either a
// DER OCTET STRING wrapping the uncompressed form, as PKCS#11 specifies,
// or the bare uncompressed form that some tokens return.
func ECPublicKeyFromAttributes(ecParams, ecPoint []byte) (*ecdsa.PublicKey, error) {
	curve, err := CurveFromOID(ecParams)
	if err != nil {
		return nil, err
	}

	byteLen := (curve.Params().BitSize + 7) / 8

	// A bare point starts with 0x04, which is also the OCTET STRING tag,
	// so unwrapping alone is ambiguous: accept the unwrapped value only
	// when it is itself a well-formed uncompressed point.
	point := ecPoint
	var wrapped []byte
	if rest, err := asn1.Unmarshal(ecPoint, &wrapped); err == nil && len(rest) == 0 &&
		len(wrapped) == 1+2*byteLen && wrapped[0] == 4 {
		point = wrapped
	}

	if len(point) != 1+2*byteLen || point[0] != 4 {
		return nil, errors.Newf("invalid EC point encoding: len=%d", len(point))
	}
	x := new(big.Int).SetBytes(point[1 : 1+byteLen])
	y := new(big.Int).SetBytes(point[1+byteLen:])
	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("EC point is not on the curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// ECPointAttribute encodes the public key as the CKA_EC_POINT value:
// a DER OCTET STRING wrapping the uncompressed point.
func ECPointAttribute(pub *ecdsa.PublicKey) ([]byte, error) {
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	raw := make([]byte, 1+2*byteLen)
	raw[0] = 4
	pub.X.FillBytes(raw[1 : 1+byteLen])
	pub.Y.FillBytes(raw[1+byteLen:])
	return asn1.Marshal(raw)
}
