package cli

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func (s *testSuite) TestSlots() {
	err := (&SlotsCmd{}).Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("Slot: 0", "Token label: unit-test", "Token serial: 123456", "Login required: true",
		"Mechanisms: RSA-PKCS,RSA-PKCS-PSS,RSA-PKCS-OAEP,ECDSA,ECDH1-DERIVE")
}

func (s *testSuite) TestKeysList() {
	err := (&KeysLsCmd{}).Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("Id:    01", "Label: rsa-key", "Type:  RSA", "sign")
}

func (s *testSuite) TestKeyInfo() {
	err := (&KeyInfoCmd{ID: "01", Public: true}).Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("Label: rsa-key", "Size:  2048", "BEGIN PUBLIC KEY")
}

func (s *testSuite) TestKeyInfoNotFound() {
	err := (&KeyInfoCmd{ID: "99"}).Run(s.ctl)
	s.Require().Error(err)
	s.Contains(err.Error(), "failed to find key")
}

func (s *testSuite) TestCertsList() {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "unit.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &s.rsaKey.PublicKey, s.rsaKey)
	s.Require().NoError(err)
	s.tok.AddCertificate([]byte{1}, "rsa-cert", der)

	err = (&CertsLsCmd{Pem: true}).Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("Label:   rsa-cert", "unit.example.com", "BEGIN CERTIFICATE")
}

func (s *testSuite) TestSignVerify() {
	input := filepath.Join(s.T().TempDir(), "payload.txt")
	s.Require().NoError(os.WriteFile(input, []byte("signed payload"), 0600))

	err := (&SignCmd{ID: "01", In: input}).Run(s.ctl)
	s.Require().NoError(err)
	sig := strings.TrimSpace(s.Out.String())
	s.Require().NotEmpty(sig)

	s.Out.Reset()
	err = (&VerifyCmd{ID: "01", Signature: sig, In: input}).Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("signature is valid")

	s.Out.Reset()
	err = (&VerifyCmd{ID: "01", Signature: sig, In: input, Pss: true}).Run(s.ctl)
	s.Require().Error(err)
}
