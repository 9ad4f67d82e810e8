package certinfo

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadFromPEM returns CertificateInfo loaded from the file
func LoadFromPEM(certFile string) (*CertificateInfo, error) {
	b, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseFromPEM(b)
}

// ParseFromPEM returns CertificateInfo parsed from PEM
func ParseFromPEM(b []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
		return nil, errors.New("unable to parse PEM")
	}
	return Decode(block.Bytes)
}

// EncodeToPEM writes certificates in PEM format
func EncodeToPEM(out io.Writer, infos ...*CertificateInfo) error {
	for _, ci := range infos {
		if ci == nil {
			continue
		}
		err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: ci.Raw})
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// EncodeToPEMString converts certificates to PEM format
func EncodeToPEMString(infos ...*CertificateInfo) (string, error) {
	b := bytes.NewBuffer([]byte{})
	err := EncodeToPEM(b, infos...)
	if err != nil {
		return "", err
	}
	res := strings.TrimSpace(b.String())
	res = strings.Replace(res, "\n\n", "\n", -1)
	return res, nil
}

// EncodePublicKeyToPEM returns PEM encoded public key
func EncodePublicKeyToPEM(pubKey crypto.PublicKey) ([]byte, error) {
	asn1Bytes, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b := bytes.NewBuffer([]byte{})
	err = pem.Encode(b, &pem.Block{Type: "PUBLIC KEY", Bytes: asn1Bytes})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b.Bytes(), nil
}
