package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11keys/cmd/p11key-tool/cli"
	"github.com/effective-security/p11keys/internal/version"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	Slots  cli.SlotsCmd  `cmd:"" help:"list slots and tokens"`
	Keys   cli.KeysCmd   `cmd:"" help:"key commands"`
	Certs  cli.CertsCmd  `cmd:"" help:"certificate commands"`
	Sign   cli.SignCmd   `cmd:"" help:"sign with a token key"`
	Verify cli.VerifyCmd `cmd:"" help:"verify a signature"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("p11key-tool"),
		kong.Description("CLI tool for PKCS#11 token keys"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG mode print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
