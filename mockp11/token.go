// Package mockp11 is an in-memory software token implementing
// p11token.Ctx. It performs real RSA and ECDSA operations against keys
// registered by tests, enforces login and usage attributes, and
// supports fault injection: token removal and mechanism rejection.
package mockp11

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"sync"

	"github.com/effective-security/p11keys/certinfo"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
)

// Module is a software PKCS#11 module holding one token per slot.
type Module struct {
	mu          sync.Mutex
	initialized bool
	nextSlot    uint
	nextSession pkcs11.SessionHandle
	nextHandle  pkcs11.ObjectHandle
	tokens      map[uint]*Token
	sessions    map[pkcs11.SessionHandle]*session
	calls       map[string]int
}

// New returns an empty module; add tokens before use.
func New() *Module {
	return &Module{
		nextSession: 100,
		nextHandle:  1000,
		tokens:      map[uint]*Token{},
		sessions:    map[pkcs11.SessionHandle]*session{},
		calls:       map[string]int{},
	}
}

// Token is one software token with its object store.
type Token struct {
	m             *Module
	slotID        uint
	label         string
	serial        string
	pin           string
	soPin         string
	loginRequired bool
	removed       bool
	loggedIn      bool
	rejected      map[uint]bool
	objects       map[pkcs11.ObjectHandle]*object
}

type object struct {
	handle pkcs11.ObjectHandle
	attrs  map[uint][]byte
	rsaKey *rsa.PrivateKey
	ecKey  *ecdsa.PrivateKey
	// session is non-zero for session objects, destroyed on close
	session pkcs11.SessionHandle
}

type session struct {
	handle pkcs11.SessionHandle
	slotID uint

	findPending []pkcs11.ObjectHandle
	findActive  bool

	signKey    *object
	signMech   *pkcs11.Mechanism
	verifyKey  *object
	verifyMech *pkcs11.Mechanism

	decryptKey  *object
	decryptMech uint
	decryptOAEP *pkcs11.OAEPParams
}

// AddToken registers a token in the next free slot. Pin is required only
// when loginRequired is set; the security officer PIN defaults to the
// user PIN until SetSOPin.
func (m *Module) AddToken(label, serial, pin string, loginRequired bool) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Token{
		m:             m,
		slotID:        m.nextSlot,
		label:         label,
		serial:        serial,
		pin:           pin,
		soPin:         pin,
		loginRequired: loginRequired,
		rejected:      map[uint]bool{},
		objects:       map[pkcs11.ObjectHandle]*object{},
	}
	m.nextSlot++
	m.tokens[t.slotID] = t
	return t
}

// Calls returns how many times the named Ctx method was invoked.
func (m *Module) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls clears the call counters.
func (m *Module) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = map[string]int{}
}

func (m *Module) count(op string) {
	m.calls[op]++
}

// SlotID returns the slot the token occupies.
func (t *Token) SlotID() uint {
	return t.slotID
}

// SetSOPin sets a distinct security officer PIN.
func (t *Token) SetSOPin(pin string) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.soPin = pin
}

// Remove simulates yanking the token: the slot reports no token and
// every call touching it fails with CKR_DEVICE_REMOVED.
func (t *Token) Remove() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.removed = true
}

// Reinsert makes a removed token present again. Sessions opened before
// removal stay invalid.
func (t *Token) Reinsert() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.removed = false
	t.loggedIn = false
}

// RejectMechanism makes the token fail any operation using the mechanism
// with CKR_MECHANISM_INVALID.
func (t *Token) RejectMechanism(ckm uint) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.rejected[ckm] = true
}

func (t *Token) newObject(class uint, id []byte, label string) *object {
	o := &object{
		handle: t.m.nextHandle,
		attrs: map[uint][]byte{
			pkcs11.CKA_CLASS: p11token.UlongToBytes(class),
			pkcs11.CKA_ID:    append([]byte(nil), id...),
			pkcs11.CKA_LABEL: []byte(label),
		},
	}
	t.m.nextHandle++
	t.objects[o.handle] = o
	return o
}

func boolAttr(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// AddRSAKeyPair stores a private and public key object sharing the id.
// Usage populates the CKA_SIGN, CKA_DECRYPT, CKA_DERIVE, CKA_VERIFY and
// CKA_ENCRYPT attributes.
func (t *Token) AddRSAKeyPair(id []byte, label string, key *rsa.PrivateKey, usage p11token.KeyUsage) (priv, pub pkcs11.ObjectHandle) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	po := t.newObject(pkcs11.CKO_PRIVATE_KEY, id, label)
	po.rsaKey = key
	po.attrs[pkcs11.CKA_KEY_TYPE] = p11token.UlongToBytes(pkcs11.CKK_RSA)
	po.attrs[pkcs11.CKA_SIGN] = boolAttr(usage.Sign)
	po.attrs[pkcs11.CKA_DECRYPT] = boolAttr(usage.Decrypt)
	po.attrs[pkcs11.CKA_DERIVE] = boolAttr(usage.Derive)

	pb := t.newObject(pkcs11.CKO_PUBLIC_KEY, id, label)
	pb.attrs[pkcs11.CKA_KEY_TYPE] = p11token.UlongToBytes(pkcs11.CKK_RSA)
	pb.attrs[pkcs11.CKA_VERIFY] = boolAttr(usage.Verify)
	pb.attrs[pkcs11.CKA_ENCRYPT] = boolAttr(usage.Encrypt)
	pb.attrs[pkcs11.CKA_MODULUS] = key.N.Bytes()
	pb.attrs[pkcs11.CKA_PUBLIC_EXPONENT] = bigExponent(key.E)
	pb.rsaKey = key
	return po.handle, pb.handle
}

// AddECKeyPair stores a private and public key object sharing the id.
func (t *Token) AddECKeyPair(id []byte, label string, key *ecdsa.PrivateKey, usage p11token.KeyUsage) (priv, pub pkcs11.ObjectHandle) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	params, err := certinfo.OIDFromCurve(key.Curve)
	if err != nil {
		panic(err)
	}
	point, err := certinfo.ECPointAttribute(&key.PublicKey)
	if err != nil {
		panic(err)
	}

	po := t.newObject(pkcs11.CKO_PRIVATE_KEY, id, label)
	po.ecKey = key
	po.attrs[pkcs11.CKA_KEY_TYPE] = p11token.UlongToBytes(pkcs11.CKK_EC)
	po.attrs[pkcs11.CKA_SIGN] = boolAttr(usage.Sign)
	po.attrs[pkcs11.CKA_DERIVE] = boolAttr(usage.Derive)

	pb := t.newObject(pkcs11.CKO_PUBLIC_KEY, id, label)
	pb.attrs[pkcs11.CKA_KEY_TYPE] = p11token.UlongToBytes(pkcs11.CKK_EC)
	pb.attrs[pkcs11.CKA_VERIFY] = boolAttr(usage.Verify)
	pb.attrs[pkcs11.CKA_EC_PARAMS] = params
	pb.attrs[pkcs11.CKA_EC_POINT] = point
	pb.ecKey = key
	return po.handle, pb.handle
}

// AddCertificate stores a certificate object with the DER value.
func (t *Token) AddCertificate(id []byte, label string, der []byte) pkcs11.ObjectHandle {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	o := t.newObject(pkcs11.CKO_CERTIFICATE, id, label)
	o.attrs[pkcs11.CKA_VALUE] = append([]byte(nil), der...)
	return o.handle
}

// DeleteObject drops an object from the store.
func (t *Token) DeleteObject(h pkcs11.ObjectHandle) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	delete(t.objects, h)
}

func bigExponent(e int) []byte {
	b := make([]byte, 0, 4)
	for e > 0 {
		b = append([]byte{byte(e)}, b...)
		e >>= 8
	}
	return b
}

// ckr mirrors the binding, which surfaces return codes as bare errors.
func ckr(code uint) error {
	return pkcs11.Error(code)
}
