// Package certinfo decodes DER-encoded certificates and token public-key
// attributes into immutable, structured metadata.
package certinfo

import (
	"crypto"
	"crypto/x509"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrMalformedCertificate indicates the input bytes are not a valid DER
// certificate. The input is bad; retrying cannot help.
var ErrMalformedCertificate = errors.New("malformed certificate")

// CertificateInfo is a decoded, immutable snapshot of a certificate.
// ID and Label are populated by token discovery from the certificate
// object's attributes and correlate the certificate with its key pair.
type CertificateInfo struct {
	Subject            string
	Issuer             string
	SerialNumber       string
	NotBefore          time.Time
	NotAfter           time.Time
	PublicKey          crypto.PublicKey
	PublicKeyAlgorithm x509.PublicKeyAlgorithm
	SignatureAlgorithm x509.SignatureAlgorithm
	Raw                []byte

	ID    []byte
	Label string

	cert *x509.Certificate
}

// Decode parses a DER certificate. Pure: equal input yields field-equal
// output, and a malformed input never produces a partial result.
func Decode(der []byte) (*CertificateInfo, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Mark(
			errors.WithMessage(err, "unable to parse certificate"), ErrMalformedCertificate)
	}
	raw := make([]byte, len(der))
	copy(raw, der)
	return &CertificateInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       cert.SerialNumber.String(),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		PublicKey:          cert.PublicKey,
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm,
		SignatureAlgorithm: cert.SignatureAlgorithm,
		Raw:                raw,
		cert:               cert,
	}, nil
}

// WithObject returns a copy carrying the token object's id and label.
func (c *CertificateInfo) WithObject(id []byte, label string) *CertificateInfo {
	copied := *c
	copied.ID = append([]byte(nil), id...)
	copied.Label = label
	return &copied
}

// Certificate returns the parsed form.
func (c *CertificateInfo) Certificate() *x509.Certificate {
	return c.cert
}
