package p11token

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/pkcs11"
)

// ulongSize is sizeof(CK_ULONG) on the LP64 platforms the binding targets.
const ulongSize = 8

// UlongToBytes encodes v as a native-endian CK_ULONG.
func UlongToBytes(v uint) []byte {
	b := make([]byte, ulongSize)
	binary.NativeEndian.PutUint64(b, uint64(v))
	return b
}

// BytesToUlong decodes a CK_ULONG attribute value. Some tokens return
// truncated values for small attributes.
func BytesToUlong(b []byte) uint {
	switch len(b) {
	case 1:
		return uint(b[0])
	case 2:
		return uint(binary.NativeEndian.Uint16(b))
	case 4:
		return uint(binary.NativeEndian.Uint32(b))
	case ulongSize:
		return uint(binary.NativeEndian.Uint64(b))
	default:
		return 0
	}
}

// KeyTypeNames maps CKK_* constants to display names.
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:            "RSA",
	pkcs11.CKK_EC:             "ECDSA",
	pkcs11.CKK_DSA:            "DSA",
	pkcs11.CKK_GENERIC_SECRET: "SECRET",
	pkcs11.CKK_AES:            "AES",
}

// MechanismNames maps the CKM_* constants this package resolves to
// display names.
var MechanismNames = map[uint]string{
	pkcs11.CKM_RSA_PKCS:      "RSA-PKCS",
	pkcs11.CKM_RSA_PKCS_PSS:  "RSA-PKCS-PSS",
	pkcs11.CKM_RSA_PKCS_OAEP: "RSA-PKCS-OAEP",
	pkcs11.CKM_ECDSA:         "ECDSA",
	pkcs11.CKM_ECDH1_DERIVE:  "ECDH1-DERIVE",
}

// MechanismName returns the display name for a CKM_* constant, the hex
// value for mechanisms outside the resolved set.
func MechanismName(ckm uint) string {
	if name, ok := MechanismNames[ckm]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", ckm)
}

// ObjectClassNames maps CKO_* constants to display names.
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_PRIVATE_KEY: "private",
	pkcs11.CKO_PUBLIC_KEY:  "public",
	pkcs11.CKO_CERTIFICATE: "certificate",
	pkcs11.CKO_SECRET_KEY:  "secret",
}
