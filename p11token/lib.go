package p11token

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11keys", "p11token")

// TokenInfo describes a slot with a present token.
type TokenInfo struct {
	SlotID       uint
	Description  string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	Flags        uint
}

// LoginRequired reports whether the token demands a PIN login before
// private objects become visible.
func (t *TokenInfo) LoginRequired() bool {
	return t.Flags&pkcs11.CKF_LOGIN_REQUIRED != 0
}

// Lib wraps a loaded and initialized PKCS#11 module.
type Lib struct {
	ctx Ctx
	cfg TokenConfig

	// ownCtx is set when the Lib loaded the module itself and is
	// responsible for finalizing it on Close.
	ownCtx bool
}

// Init dlopens the module at cfg.Path and initializes it.
func Init(cfg TokenConfig) (*Lib, error) {
	p := pkcs11.New(cfg.Path())
	if p == nil {
		return nil, errors.Mark(
			errors.Newf("unable to load PKCS#11 library: %s", cfg.Path()), ErrDevice)
	}
	err := p.Initialize()
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
		p.Destroy()
		return nil, mapCKR(err, "Initialize")
	}
	logger.Infof("status=loaded, lib=%q", cfg.Path())
	l, err := New(libCtx{p}, cfg)
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, err
	}
	l.ownCtx = true
	return l, nil
}

// New returns a Lib over an already initialized binding.
func New(ctx Ctx, cfg TokenConfig) (*Lib, error) {
	if ctx == nil {
		return nil, errors.New("pkcs11 context not provided")
	}
	return &Lib{ctx: ctx, cfg: cfg}, nil
}

// Config returns the token configuration the Lib was created with,
// nil when constructed without one.
func (p *Lib) Config() TokenConfig {
	return p.cfg
}

// Close finalizes the module when the Lib owns it.
func (p *Lib) Close() error {
	if p.ownCtx {
		err := p.ctx.Finalize()
		p.ctx.Destroy()
		p.ownCtx = false
		if err != nil {
			return mapCKR(err, "Finalize")
		}
	}
	return nil
}

// TokensInfo returns the list of slots with a present token.
func (p *Lib) TokensInfo() ([]*TokenInfo, error) {
	slots, err := p.ctx.GetSlotList(true)
	if err != nil {
		return nil, mapCKR(err, "GetSlotList")
	}

	logger.Tracef("slots=%d", len(slots))

	list := make([]*TokenInfo, 0, len(slots))
	for _, slotID := range slots {
		si, err := p.ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, mapCKR(err, "GetSlotInfo")
		}
		ti, err := p.ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.Errorf("reason=GetTokenInfo, slotID=%d, ManufacturerID=%q, err=[%+v]",
				slotID, si.ManufacturerID, err)
			continue
		}
		list = append(list, &TokenInfo{
			SlotID:       slotID,
			Description:  strings.TrimSpace(si.SlotDescription),
			Label:        strings.TrimSpace(ti.Label),
			Manufacturer: strings.TrimSpace(ti.ManufacturerID),
			Model:        strings.TrimSpace(ti.Model),
			Serial:       strings.TrimSpace(ti.SerialNumber),
			Flags:        ti.Flags,
		})
	}
	return list, nil
}

// Mechanisms returns the display names of the mechanisms the token in
// the slot supports.
func (p *Lib) Mechanisms(slotID uint) ([]string, error) {
	list, err := p.ctx.GetMechanismList(slotID)
	if err != nil {
		return nil, mapCKR(err, "GetMechanismList")
	}
	names := make([]string, 0, len(list))
	for _, m := range list {
		names = append(names, MechanismName(m.Mechanism))
	}
	return names, nil
}

// FindSlot locates a slot by token label or serial; with both empty the
// configured slot ID or the first slot with a present token is used.
func (p *Lib) FindSlot(tokenLabel, tokenSerial string) (*TokenInfo, error) {
	list, err := p.TokensInfo()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Mark(errors.New("no token present"), ErrDevice)
	}

	var explicitSlot = -1
	if p.cfg != nil {
		if tokenLabel == "" {
			tokenLabel = p.cfg.TokenLabel()
		}
		if tokenSerial == "" {
			tokenSerial = p.cfg.TokenSerial()
		}
		explicitSlot = p.cfg.SlotID()
	}

	for _, ti := range list {
		switch {
		case tokenSerial != "":
			if ti.Serial == tokenSerial {
				return ti, nil
			}
		case tokenLabel != "":
			if ti.Label == tokenLabel {
				return ti, nil
			}
		case explicitSlot >= 0:
			if ti.SlotID == uint(explicitSlot) {
				return ti, nil
			}
		default:
			return ti, nil
		}
	}
	return nil, errors.Mark(
		errors.Newf("token not found: label=%q, serial=%q", tokenLabel, tokenSerial),
		ErrDevice)
}
