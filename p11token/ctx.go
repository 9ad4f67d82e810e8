package p11token

import (
	"github.com/miekg/pkcs11"
)

// Ctx is the surface of the PKCS#11 binding consumed by this package.
// It mirrors the method set of *pkcs11.Ctx, except that DecryptInit and
// DeriveKey take their structured mechanism parameters explicitly: those
// parameters contain pointers whose cgo marshalling is owned by the
// binding, so the adapter in libCtx assembles the final mechanism.
//
// mockp11 provides an in-memory implementation for tests.
type Ctx interface {
	Initialize() error
	Finalize() error
	Destroy()

	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error)

	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error

	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error

	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	VerifyInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error
	Verify(sh pkcs11.SessionHandle, data []byte, signature []byte) error

	DecryptInit(sh pkcs11.SessionHandle, mechID uint, oaep *pkcs11.OAEPParams, key pkcs11.ObjectHandle) error
	Decrypt(sh pkcs11.SessionHandle, ciphertext []byte) ([]byte, error)

	DeriveKey(sh pkcs11.SessionHandle, mechID uint, params *pkcs11.ECDH1DeriveParams, base pkcs11.ObjectHandle, attrs []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
}

// libCtx adapts *pkcs11.Ctx to the Ctx interface.
type libCtx struct {
	*pkcs11.Ctx
}

func (c libCtx) DecryptInit(sh pkcs11.SessionHandle, mechID uint, oaep *pkcs11.OAEPParams, key pkcs11.ObjectHandle) error {
	var m *pkcs11.Mechanism
	if oaep != nil {
		m = pkcs11.NewMechanism(mechID, oaep)
	} else {
		m = pkcs11.NewMechanism(mechID, nil)
	}
	return c.Ctx.DecryptInit(sh, []*pkcs11.Mechanism{m}, key)
}

func (c libCtx) DeriveKey(sh pkcs11.SessionHandle, mechID uint, params *pkcs11.ECDH1DeriveParams, base pkcs11.ObjectHandle, attrs []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	m := []*pkcs11.Mechanism{pkcs11.NewMechanism(mechID, params)}
	return c.Ctx.DeriveKey(sh, m, base, attrs)
}
