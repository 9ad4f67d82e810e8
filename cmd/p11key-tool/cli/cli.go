package cli

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11keys/p11token"
	"github.com/effective-security/x/print"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11keys", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Cfg      string `help:"Location of the token config file, or a pkcs11: URI" required:""`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx context.Context
	lib *p11token.Lib
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value interface{}) error {
	print.JSON(c.Writer(), value)
	return nil
}

// WithLib allows to specify a loaded module, used in tests
func (c *Cli) WithLib(lib *p11token.Lib) *Cli {
	c.lib = lib
	return c
}

// Lib loads the PKCS#11 module from the config file or a pkcs11: URI
func (c *Cli) Lib() *p11token.Lib {
	if c.lib != nil {
		return c.lib
	}
	if c.Cfg == "" {
		logger.Panicf("use --cfg flag to specify the token config file")
	}
	var cfg p11token.TokenConfig
	var err error
	if strings.HasPrefix(c.Cfg, "pkcs11:") {
		uri, err2 := p11token.ParseKeyURI(c.Cfg)
		if err2 != nil {
			logger.Panicf("unable to parse pkcs11 URI: [%v]", err2)
		}
		cfg, err = uri.TokenConfig()
	} else {
		cfg, err = p11token.LoadTokenConfig(c.Cfg)
	}
	if err != nil {
		logger.Panicf("unable to load token config: [%v]", err)
	}
	c.lib, err = p11token.Init(cfg)
	if err != nil {
		logger.Panicf("unable to initialize PKCS#11 module: [%v]", err)
	}
	return c.lib
}

// Session opens an authenticated session on the selected token.
// The caller closes it.
func (c *Cli) Session(tokenLabel, serial string) (*p11token.Session, error) {
	lib := c.Lib()
	slot, err := lib.FindSlot(tokenLabel, serial)
	if err != nil {
		return nil, err
	}
	pin := ""
	if cfg := lib.Config(); cfg != nil {
		pin = cfg.Pin()
	}
	return lib.OpenSession(slot, pin)
}
