package cli

import (
	"crypto"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/effective-security/p11keys/keys"
	"github.com/pkg/errors"
)

// SignCmd signs a message with a token key
type SignCmd struct {
	ID     string `required:"" help:"key ID in hex"`
	Token  string `help:"specifies token label (optional)"`
	Serial string `help:"specifies token serial (optional)"`
	Hash   string `help:"digest algorithm: sha1|sha256|sha384|sha512" default:"sha256"`
	Pss    bool   `help:"use RSASSA-PSS padding"`
	In     string `help:"file to sign, STDIN if not set"`
}

// Run the command
func (a *SignCmd) Run(ctx *Cli) error {
	id, err := hex.DecodeString(a.ID)
	if err != nil {
		return errors.Errorf("invalid key ID: %q", a.ID)
	}
	hash, err := parseHash(a.Hash)
	if err != nil {
		return err
	}
	digest, err := digestInput(ctx, a.In, hash)
	if err != nil {
		return err
	}

	s, err := ctx.Session(a.Token, a.Serial)
	if err != nil {
		return errors.WithMessagef(err, "failed to open session")
	}
	defer s.Close()

	key, err := keys.FindPrivateKey(s, keys.Config{}, id, "")
	if err != nil {
		return errors.WithMessagef(err, "failed to find key")
	}

	var opts crypto.SignerOpts = hash
	if a.Pss {
		opts = &rsa.PSSOptions{Hash: hash, SaltLength: rsa.PSSSaltLengthEqualsHash}
	}
	sig, err := key.Sign(nil, digest, opts)
	if err != nil {
		return errors.WithMessagef(err, "failed to sign")
	}

	fmt.Fprintf(ctx.Writer(), "%x\n", sig)
	return nil
}

// VerifyCmd verifies a signature with a token key
type VerifyCmd struct {
	ID        string `required:"" help:"key ID in hex"`
	Token     string `help:"specifies token label (optional)"`
	Serial    string `help:"specifies token serial (optional)"`
	Hash      string `help:"digest algorithm: sha1|sha256|sha384|sha512" default:"sha256"`
	Pss       bool   `help:"use RSASSA-PSS padding"`
	Signature string `required:"" help:"signature in hex"`
	In        string `help:"signed file, STDIN if not set"`
	OnToken   bool   `help:"verify on the token instead of in software"`
}

// Run the command
func (a *VerifyCmd) Run(ctx *Cli) error {
	id, err := hex.DecodeString(a.ID)
	if err != nil {
		return errors.Errorf("invalid key ID: %q", a.ID)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(a.Signature))
	if err != nil {
		return errors.Errorf("invalid signature encoding")
	}
	hash, err := parseHash(a.Hash)
	if err != nil {
		return err
	}
	digest, err := digestInput(ctx, a.In, hash)
	if err != nil {
		return err
	}

	s, err := ctx.Session(a.Token, a.Serial)
	if err != nil {
		return errors.WithMessagef(err, "failed to open session")
	}
	defer s.Close()

	key, err := keys.FindPublicKey(s, keys.Config{VerifyOnToken: a.OnToken}, id)
	if err != nil {
		return errors.WithMessagef(err, "failed to find key")
	}

	var opts crypto.SignerOpts = hash
	if a.Pss {
		opts = &rsa.PSSOptions{Hash: hash, SaltLength: rsa.PSSSaltLengthEqualsHash}
	}
	if err := key.Verify(digest, sig, opts); err != nil {
		return errors.WithMessagef(err, "signature is not valid")
	}

	fmt.Fprintf(ctx.Writer(), "signature is valid\n")
	return nil
}

func parseHash(name string) (crypto.Hash, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, errors.Errorf("unsupported digest algorithm: %q", name)
}

func digestInput(ctx *Cli, file string, hash crypto.Hash) ([]byte, error) {
	var r io.Reader = ctx.Reader()
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer f.Close()
		r = f
	}
	h := hash.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, errors.WithStack(err)
	}
	return h.Sum(nil), nil
}
