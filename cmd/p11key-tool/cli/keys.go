package cli

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/effective-security/p11keys/certinfo"
	"github.com/effective-security/p11keys/keys"
	"github.com/effective-security/p11keys/p11token"
	"github.com/pkg/errors"
)

// SlotsCmd prints slots with present tokens
type SlotsCmd struct{}

// Run the command
func (a *SlotsCmd) Run(ctx *Cli) error {
	tokens, err := ctx.Lib().TokensInfo()
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}

	out := ctx.Writer()
	printIfNotEmpty := func(label, val string) {
		if val != "" {
			fmt.Fprintf(out, "  %s: %s\n", label, val)
		}
	}
	for _, token := range tokens {
		fmt.Fprintf(out, "Slot: %d\n", token.SlotID)
		printIfNotEmpty("Manufacturer", token.Manufacturer)
		printIfNotEmpty("Model", token.Model)
		printIfNotEmpty("Description", token.Description)
		printIfNotEmpty("Token serial", token.Serial)
		printIfNotEmpty("Token label", token.Label)
		fmt.Fprintf(out, "  Login required: %t\n", token.LoginRequired())
		mechs, err := ctx.Lib().Mechanisms(token.SlotID)
		if err != nil {
			return errors.WithMessagef(err, "failed to list mechanisms")
		}
		printIfNotEmpty("Mechanisms", strings.Join(mechs, ","))
	}
	return nil
}

// KeysCmd is the parent for key commands
type KeysCmd struct {
	List KeysLsCmd  `cmd:"" help:"list keys"`
	Info KeyInfoCmd `cmd:"" help:"print key information"`
}

// KeysLsCmd prints keys
type KeysLsCmd struct {
	Token  string `help:"specifies token label (optional)"`
	Serial string `help:"specifies token serial (optional)"`
}

// Run the command
func (a *KeysLsCmd) Run(ctx *Cli) error {
	s, err := ctx.Session(a.Token, a.Serial)
	if err != nil {
		return errors.WithMessagef(err, "failed to open session")
	}
	defer s.Close()

	list, err := keys.ListPrivateKeys(s, keys.Config{})
	if err != nil {
		return errors.WithMessagef(err, "failed to list keys")
	}

	out := ctx.Writer()
	for i, key := range list {
		fmt.Fprintf(out, "[%d]\n", i)
		fmt.Fprintf(out, "  Id:    %x\n", key.KeyID())
		if key.Label() != "" {
			fmt.Fprintf(out, "  Label: %s\n", key.Label())
		}
		fmt.Fprintf(out, "  Type:  %s\n", key.KeyType())
		fmt.Fprintf(out, "  Usage: %s\n", usageString(key.Usage()))
	}
	return nil
}

// KeyInfoCmd prints the key info
type KeyInfoCmd struct {
	ID     string `kong:"arg" required:"" help:"key ID in hex"`
	Token  string `help:"specifies token label (optional)"`
	Serial string `help:"specifies token serial (optional)"`
	Public bool   `help:"print Public Key"`
}

// Run the command
func (a *KeyInfoCmd) Run(ctx *Cli) error {
	id, err := hex.DecodeString(a.ID)
	if err != nil {
		return errors.Errorf("invalid key ID: %q", a.ID)
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

	out := ctx.Writer()
	fmt.Fprintf(out, "Id:    %x\n", key.KeyID())
	if key.Label() != "" {
		fmt.Fprintf(out, "Label: %s\n", key.Label())
	}
	fmt.Fprintf(out, "Type:  %s\n", key.KeyType())
	fmt.Fprintf(out, "Usage: %s\n", usageString(key.Usage()))

	ki, err := certinfo.NewKeyInfo(key.Public())
	if err == nil {
		fmt.Fprintf(out, "Size:  %d\n", ki.KeySize)
		if ki.Curve != "" {
			fmt.Fprintf(out, "Curve: %s\n", ki.Curve)
		}
	}

	if a.Public {
		pem, err := certinfo.EncodePublicKeyToPEM(key.Public())
		if err != nil {
			return errors.WithMessagef(err, "failed to encode public key")
		}
		fmt.Fprintf(out, "Public key: \n%s\n", pem)
	}
	return nil
}

// CertsCmd is the parent for certificate commands
type CertsCmd struct {
	List CertsLsCmd `cmd:"" help:"list certificates"`
}

// CertsLsCmd prints certificates
type CertsLsCmd struct {
	Token  string `help:"specifies token label (optional)"`
	Serial string `help:"specifies token serial (optional)"`
	Pem    bool   `help:"print certificates in PEM format"`
}

// Run the command
func (a *CertsLsCmd) Run(ctx *Cli) error {
	s, err := ctx.Session(a.Token, a.Serial)
	if err != nil {
		return errors.WithMessagef(err, "failed to open session")
	}
	defer s.Close()

	list, err := keys.ListCertificates(s)
	if err != nil {
		return errors.WithMessagef(err, "failed to list certificates")
	}

	out := ctx.Writer()
	for i, ci := range list {
		fmt.Fprintf(out, "[%d]\n", i)
		fmt.Fprintf(out, "  Id:      %x\n", ci.ID)
		if ci.Label != "" {
			fmt.Fprintf(out, "  Label:   %s\n", ci.Label)
		}
		fmt.Fprintf(out, "  Subject: %s\n", ci.Subject)
		fmt.Fprintf(out, "  Issuer:  %s\n", ci.Issuer)
		fmt.Fprintf(out, "  Serial:  %s\n", ci.SerialNumber)
		fmt.Fprintf(out, "  Expires: %s\n", ci.NotAfter.Format(time.RFC3339))
		if a.Pem {
			pem, err := certinfo.EncodeToPEMString(ci)
			if err != nil {
				return errors.WithStack(err)
			}
			fmt.Fprintf(out, "%s\n", pem)
		}
	}
	return nil
}

func usageString(u p11token.KeyUsage) string {
	var ops []string
	if u.Sign {
		ops = append(ops, "sign")
	}
	if u.Verify {
		ops = append(ops, "verify")
	}
	if u.Encrypt {
		ops = append(ops, "encrypt")
	}
	if u.Decrypt {
		ops = append(ops, "decrypt")
	}
	if u.Derive {
		ops = append(ops, "derive")
	}
	if u.Wrap {
		ops = append(ops, "wrap")
	}
	if u.Unwrap {
		ops = append(ops, "unwrap")
	}
	if len(ops) == 0 {
		return "none"
	}
	return strings.Join(ops, ",")
}
