package p11token

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11keys/metricskey"
	"github.com/miekg/pkcs11"
)

// SessionOption customizes session behavior.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	readWrite bool
	soLogin   bool
	timeout   time.Duration
}

// WithReadWrite opens the session in read-write mode.
func WithReadWrite() SessionOption {
	return func(o *sessionOptions) {
		o.readWrite = true
	}
}

// WithSOLogin authenticates as the security officer instead of the
// normal user.
func WithSOLogin() SessionOption {
	return func(o *sessionOptions) {
		o.soLogin = true
	}
}

// WithTimeout bounds every hardware call. A call that exceeds the timeout
// leaves the session in an unknown state, so the session is discarded:
// it is flagged closed immediately and the underlying handle is released
// once the stuck call returns. Hardware calls cannot be interrupted
// mid-operation.
func WithTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.timeout = d
	}
}

// Session is an authenticated connection to one token. All hardware calls
// made through a Session are serialized: at most one operation is in
// flight at a time, and operations complete in submission order. Sessions
// to different slots may run concurrently.
type Session struct {
	lib  *Lib
	slot *TokenInfo
	opts sessionOptions

	mu       sync.Mutex
	handle   pkcs11.SessionHandle
	open     bool
	poisoned bool
	loggedIn bool
	// gen invalidates object handles wholesale: every reopen bumps it and
	// objects from earlier generations are rejected.
	gen uint64
}

// NewSession returns an unopened session bound to the slot.
func (p *Lib) NewSession(slot *TokenInfo, opts ...SessionOption) *Session {
	s := &Session{
		lib:  p,
		slot: slot,
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

// OpenSession opens and authenticates a session on the slot.
func (p *Lib) OpenSession(slot *TokenInfo, pin string, opts ...SessionOption) (*Session, error) {
	s := p.NewSession(slot, opts...)
	if err := s.Open(pin); err != nil {
		return nil, err
	}
	return s, nil
}

// Open resolves the configured slot and opens a session with the
// configured PIN.
func (p *Lib) Open(opts ...SessionOption) (*Session, error) {
	slot, err := p.FindSlot("", "")
	if err != nil {
		return nil, err
	}
	pin := ""
	if p.cfg != nil {
		pin = p.cfg.Pin()
	}
	return p.OpenSession(slot, pin, opts...)
}

// WithSession opens a session on the configured slot, runs fn and closes
// the session on every exit path.
func (p *Lib) WithSession(pin string, fn func(*Session) error, opts ...SessionOption) error {
	slot, err := p.FindSlot("", "")
	if err != nil {
		return err
	}
	s, err := p.OpenSession(slot, pin, opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// Slot returns the slot the session is bound to.
func (s *Session) Slot() *TokenInfo {
	return s.slot
}

// LoggedIn reports whether the session holds a PIN login.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Open establishes the session and logs in when the token requires it.
// A session that is already open must be closed first.
func (s *Session) Open(pin string) error {
	started := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return errors.Mark(
			errors.Newf("session already open: slot=%d", s.slot.SlotID), ErrAlreadyOpen)
	}

	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if s.opts.readWrite {
		flags |= pkcs11.CKF_RW_SESSION
	}
	sh, err := s.lib.ctx.OpenSession(s.slot.SlotID, flags)
	if err != nil {
		return mapCKR(err, "OpenSession")
	}

	if s.slot.LoginRequired() {
		user := uint(pkcs11.CKU_USER)
		if s.opts.soLogin {
			user = pkcs11.CKU_SO
		}
		err = s.lib.ctx.Login(sh, user, pin)
		switch {
		case err == nil:
			s.loggedIn = true
		case errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)):
			// login state is token-wide, another session holds it
			logger.Tracef("reason=already_logged_in, slot=%d", s.slot.SlotID)
		default:
			_ = s.lib.ctx.CloseSession(sh)
			return mapCKR(err, "Login")
		}
	}

	s.handle = sh
	s.open = true
	s.poisoned = false
	s.gen++
	logger.Tracef("status=open, slot=%d, rw=%t", s.slot.SlotID, s.opts.readWrite)
	metricskey.PerfSessionOpen.MeasureSince(started, s.slot.Label)
	return nil
}

// Close logs out and closes the session. It is idempotent and never
// fails: a removed token makes logout and close report device errors
// which only need to be logged, the handle is gone either way.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	sh := s.handle
	s.handle = 0

	if s.loggedIn {
		s.loggedIn = false
		if err := s.lib.ctx.Logout(sh); err != nil {
			logger.Tracef("reason=Logout, slot=%d, err=[%v]", s.slot.SlotID, err)
		}
	}
	if err := s.lib.ctx.CloseSession(sh); err != nil {
		logger.Tracef("reason=CloseSession, slot=%d, err=[%v]", s.slot.SlotID, err)
	}
	return nil
}

// run executes one hardware call under the session lock.
func (s *Session) run(op string, fn func(ctx Ctx, sh pkcs11.SessionHandle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return errors.Mark(
			errors.Newf("%s: session closed: slot=%d", op, s.slot.SlotID), ErrSessionClosed)
	}

	if s.opts.timeout == 0 {
		return mapCKR(fn(s.lib.ctx, s.handle), op)
	}

	ctx := s.lib.ctx
	sh := s.handle
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx, sh)
	}()

	timer := time.NewTimer(s.opts.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return mapCKR(err, op)
	case <-timer.C:
		// the in-flight call cannot be cancelled; poison the session and
		// release the handle once the call returns
		s.open = false
		s.poisoned = true
		s.handle = 0
		s.loggedIn = false
		go func() {
			<-done
			_ = ctx.CloseSession(sh)
		}()
		logger.Errorf("reason=timeout, op=%q, slot=%d, timeout=%s", op, s.slot.SlotID, s.opts.timeout)
		return errors.Mark(
			errors.Newf("%s: timed out after %s, session discarded", op, s.opts.timeout),
			ErrOperation)
	}
}

// checkOwned rejects handles that were not produced by this session in
// its current generation.
func (s *Session) checkOwned(obj *Object) error {
	if obj == nil {
		return errors.New("object not provided")
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	if obj.session != s || obj.gen != gen {
		return errors.Mark(
			errors.New("object handle does not belong to this session"), ErrSessionClosed)
	}
	return nil
}

// SignData performs a single-part signature over data.
// No partial output is returned on failure.
func (s *Session) SignData(key *Object, m []*pkcs11.Mechanism, data []byte) ([]byte, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "sign")
	if err := s.checkOwned(key); err != nil {
		return nil, err
	}
	var sig []byte
	err := s.run("Sign", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		if err := ctx.SignInit(sh, m, key.handle); err != nil {
			return err
		}
		var err error
		sig, err = ctx.Sign(sh, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// VerifyData performs a single-part on-token verification.
func (s *Session) VerifyData(key *Object, m []*pkcs11.Mechanism, data, signature []byte) error {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "verify")
	if err := s.checkOwned(key); err != nil {
		return err
	}
	return s.run("Verify", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		if err := ctx.VerifyInit(sh, m, key.handle); err != nil {
			return err
		}
		return ctx.Verify(sh, data, signature)
	})
}

// DecryptData performs a single-part decryption.
func (s *Session) DecryptData(key *Object, mechID uint, oaep *pkcs11.OAEPParams, ciphertext []byte) ([]byte, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "decrypt")
	if err := s.checkOwned(key); err != nil {
		return nil, err
	}
	var plaintext []byte
	err := s.run("Decrypt", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		if err := ctx.DecryptInit(sh, mechID, oaep, key.handle); err != nil {
			return err
		}
		var err error
		plaintext, err = ctx.Decrypt(sh, ciphertext)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DeriveSharedSecret derives a shared secret from the base key and the
// peer public data carried in params. The derived secret is materialized
// as an extractable session object, read out and destroyed.
func (s *Session) DeriveSharedSecret(key *Object, mechID uint, params *pkcs11.ECDH1DeriveParams, secretLen int) ([]byte, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "derive")
	if err := s.checkOwned(key); err != nil {
		return nil, err
	}
	var secret []byte
	err := s.run("DeriveKey", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		attrs := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, false),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, secretLen),
		}
		oh, err := ctx.DeriveKey(sh, mechID, params, key.handle, attrs)
		if err != nil {
			return err
		}
		defer func() {
			_ = ctx.DestroyObject(sh, oh)
		}()
		got, err := ctx.GetAttributeValue(sh, oh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return err
		}
		secret = got[0].Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}
