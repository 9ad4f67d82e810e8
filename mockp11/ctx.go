package mockp11

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/effective-security/p11keys/certinfo"
	"github.com/effective-security/p11keys/mech"
	"github.com/effective-security/p11keys/p11token"
	"github.com/miekg/pkcs11"
)

var _ p11token.Ctx = (*Module)(nil)

// Initialize marks the module initialized.
func (m *Module) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Initialize")
	if m.initialized {
		return ckr(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	m.initialized = true
	return nil
}

// Finalize drops all sessions.
func (m *Module) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Finalize")
	m.initialized = false
	m.sessions = map[pkcs11.SessionHandle]*session{}
	for _, t := range m.tokens {
		t.loggedIn = false
	}
	return nil
}

// Destroy is a no-op; there is no loaded library to release.
func (m *Module) Destroy() {}

// GetSlotList lists slots, excluding removed tokens when tokenPresent.
func (m *Module) GetSlotList(tokenPresent bool) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetSlotList")
	slots := make([]uint, 0, len(m.tokens))
	for id, t := range m.tokens {
		if tokenPresent && t.removed {
			continue
		}
		slots = append(slots, id)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots, nil
}

// GetSlotInfo describes the slot.
func (m *Module) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetSlotInfo")
	t, ok := m.tokens[slotID]
	if !ok {
		return pkcs11.SlotInfo{}, ckr(pkcs11.CKR_SLOT_ID_INVALID)
	}
	flags := uint(pkcs11.CKF_REMOVABLE_DEVICE)
	if !t.removed {
		flags |= pkcs11.CKF_TOKEN_PRESENT
	}
	return pkcs11.SlotInfo{
		SlotDescription: fmt.Sprintf("software slot %d", slotID),
		ManufacturerID:  "mockp11",
		Flags:           flags,
	}, nil
}

// GetTokenInfo describes the token in the slot.
func (m *Module) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetTokenInfo")
	t, ok := m.tokens[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, ckr(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if t.removed {
		return pkcs11.TokenInfo{}, ckr(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	flags := uint(pkcs11.CKF_TOKEN_INITIALIZED)
	if t.loginRequired {
		flags |= pkcs11.CKF_LOGIN_REQUIRED
	}
	return pkcs11.TokenInfo{
		Label:          t.label,
		ManufacturerID: "mockp11",
		Model:          "software",
		SerialNumber:   t.serial,
		Flags:          flags,
	}, nil
}

// GetMechanismList lists the mechanisms the token accepts.
func (m *Module) GetMechanismList(slotID uint) ([]*pkcs11.Mechanism, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetMechanismList")
	t, ok := m.tokens[slotID]
	if !ok {
		return nil, ckr(pkcs11.CKR_SLOT_ID_INVALID)
	}
	all := []uint{
		pkcs11.CKM_RSA_PKCS,
		pkcs11.CKM_RSA_PKCS_PSS,
		pkcs11.CKM_RSA_PKCS_OAEP,
		pkcs11.CKM_ECDSA,
		pkcs11.CKM_ECDH1_DERIVE,
	}
	list := make([]*pkcs11.Mechanism, 0, len(all))
	for _, ckm := range all {
		if t.rejected[ckm] {
			continue
		}
		list = append(list, pkcs11.NewMechanism(ckm, nil))
	}
	return list, nil
}

// OpenSession opens a session on the slot.
func (m *Module) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("OpenSession")
	t, ok := m.tokens[slotID]
	if !ok {
		return 0, ckr(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if t.removed {
		return 0, ckr(pkcs11.CKR_DEVICE_REMOVED)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, ckr(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	s := &session{handle: m.nextSession, slotID: slotID}
	m.nextSession++
	m.sessions[s.handle] = s
	return s.handle, nil
}

// CloseSession drops the session and its session objects.
func (m *Module) CloseSession(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("CloseSession")
	s, ok := m.sessions[sh]
	if !ok {
		return ckr(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(m.sessions, sh)
	t := m.tokens[s.slotID]
	for h, o := range t.objects {
		if o.session == sh {
			delete(t.objects, h)
		}
	}
	if t.removed {
		return ckr(pkcs11.CKR_DEVICE_REMOVED)
	}
	return nil
}

// Login authenticates the token. Login state is token-wide.
func (m *Module) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Login")
	_, t, err := m.lookup(sh)
	if err != nil {
		return err
	}
	if t.loggedIn {
		return ckr(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	want := t.pin
	if userType == pkcs11.CKU_SO {
		want = t.soPin
	}
	if pin != want {
		return ckr(pkcs11.CKR_PIN_INCORRECT)
	}
	t.loggedIn = true
	return nil
}

// Logout drops the token-wide login.
func (m *Module) Logout(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Logout")
	_, t, err := m.lookup(sh)
	if err != nil {
		return err
	}
	if !t.loggedIn {
		return ckr(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	t.loggedIn = false
	return nil
}

// FindObjectsInit starts an enumeration matching the template.
func (m *Module) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindObjectsInit")
	s, t, err := m.lookup(sh)
	if err != nil {
		return err
	}
	if s.findActive {
		return ckr(pkcs11.CKR_OPERATION_ACTIVE)
	}
	var handles []pkcs11.ObjectHandle
	for h, o := range t.objects {
		if !t.visible(o) {
			continue
		}
		if matches(o, temp) {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	s.findPending = handles
	s.findActive = true
	return nil
}

// FindObjects returns the next batch of matches.
func (m *Module) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindObjects")
	s, _, err := m.lookup(sh)
	if err != nil {
		return nil, false, err
	}
	if !s.findActive {
		return nil, false, ckr(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := max
	if n > len(s.findPending) {
		n = len(s.findPending)
	}
	batch := s.findPending[:n]
	s.findPending = s.findPending[n:]
	return batch, len(s.findPending) > 0, nil
}

// FindObjectsFinal ends the enumeration.
func (m *Module) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindObjectsFinal")
	s, _, err := m.lookup(sh)
	if err != nil {
		return err
	}
	s.findActive = false
	s.findPending = nil
	return nil
}

// GetAttributeValue reads attribute values; attributes the object does
// not store fail the whole call with CKR_ATTRIBUTE_TYPE_INVALID.
func (m *Module) GetAttributeValue(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetAttributeValue")
	_, t, err := m.lookup(sh)
	if err != nil {
		return nil, err
	}
	o, ok := t.objects[oh]
	if !ok || !t.visible(o) {
		return nil, ckr(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	res := make([]*pkcs11.Attribute, 0, len(a))
	for _, attr := range a {
		v, ok := o.attrs[attr.Type]
		if !ok {
			return nil, ckr(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res = append(res, pkcs11.NewAttribute(attr.Type, append([]byte(nil), v...)))
	}
	return res, nil
}

// DestroyObject removes the object.
func (m *Module) DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DestroyObject")
	_, t, err := m.lookup(sh)
	if err != nil {
		return err
	}
	if _, ok := t.objects[oh]; !ok {
		return ckr(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	delete(t.objects, oh)
	return nil
}

// SignInit prepares a signature operation.
func (m *Module) SignInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SignInit")
	s, t, err := m.lookup(sh)
	if err != nil {
		return err
	}
	o, err := t.useKey(key, pkcs11.CKA_SIGN)
	if err != nil {
		return err
	}
	if len(mechs) != 1 {
		return ckr(pkcs11.CKR_MECHANISM_INVALID)
	}
	if t.rejected[mechs[0].Mechanism] {
		return ckr(pkcs11.CKR_MECHANISM_INVALID)
	}
	s.signKey = o
	s.signMech = mechs[0]
	return nil
}

// Sign performs the prepared signature over data.
func (m *Module) Sign(sh pkcs11.SessionHandle, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Sign")
	s, _, err := m.lookup(sh)
	if err != nil {
		return nil, err
	}
	if s.signKey == nil {
		return nil, ckr(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	key, mch := s.signKey, s.signMech
	s.signKey, s.signMech = nil, nil

	switch mch.Mechanism {
	case pkcs11.CKM_RSA_PKCS:
		if key.rsaKey == nil {
			return nil, ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, key.rsaKey, 0, data)
		if err != nil {
			return nil, ckr(pkcs11.CKR_DATA_LEN_RANGE)
		}
		return sig, nil

	case pkcs11.CKM_RSA_PKCS_PSS:
		if key.rsaKey == nil {
			return nil, ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		hash, salt, err := pssParams(mch.Parameter)
		if err != nil {
			return nil, err
		}
		if len(data) != hash.Size() {
			return nil, ckr(pkcs11.CKR_DATA_LEN_RANGE)
		}
		sig, err := rsa.SignPSS(rand.Reader, key.rsaKey, hash, data,
			&rsa.PSSOptions{SaltLength: salt, Hash: hash})
		if err != nil {
			return nil, ckr(pkcs11.CKR_FUNCTION_FAILED)
		}
		return sig, nil

	case pkcs11.CKM_ECDSA:
		if key.ecKey == nil {
			return nil, ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		r, sv, err := ecdsa.Sign(rand.Reader, key.ecKey, data)
		if err != nil {
			return nil, ckr(pkcs11.CKR_FUNCTION_FAILED)
		}
		byteLen := (key.ecKey.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*byteLen)
		r.FillBytes(sig[:byteLen])
		sv.FillBytes(sig[byteLen:])
		return sig, nil
	}
	return nil, ckr(pkcs11.CKR_MECHANISM_INVALID)
}

// VerifyInit prepares a verification operation.
func (m *Module) VerifyInit(sh pkcs11.SessionHandle, mechs []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("VerifyInit")
	s, t, err := m.lookup(sh)
	if err != nil {
		return err
	}
	o, err := t.useKey(key, pkcs11.CKA_VERIFY)
	if err != nil {
		return err
	}
	if len(mechs) != 1 || t.rejected[mechs[0].Mechanism] {
		return ckr(pkcs11.CKR_MECHANISM_INVALID)
	}
	s.verifyKey = o
	s.verifyMech = mechs[0]
	return nil
}

// Verify checks the signature over data.
func (m *Module) Verify(sh pkcs11.SessionHandle, data []byte, signature []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Verify")
	s, _, err := m.lookup(sh)
	if err != nil {
		return err
	}
	if s.verifyKey == nil {
		return ckr(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	key, mch := s.verifyKey, s.verifyMech
	s.verifyKey, s.verifyMech = nil, nil

	switch mch.Mechanism {
	case pkcs11.CKM_RSA_PKCS:
		if key.rsaKey == nil {
			return ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		if rsa.VerifyPKCS1v15(&key.rsaKey.PublicKey, 0, data, signature) != nil {
			return ckr(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil

	case pkcs11.CKM_RSA_PKCS_PSS:
		if key.rsaKey == nil {
			return ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		hash, salt, err := pssParams(mch.Parameter)
		if err != nil {
			return err
		}
		opts := &rsa.PSSOptions{SaltLength: salt, Hash: hash}
		if rsa.VerifyPSS(&key.rsaKey.PublicKey, hash, data, signature, opts) != nil {
			return ckr(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil

	case pkcs11.CKM_ECDSA:
		if key.ecKey == nil {
			return ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		byteLen := (key.ecKey.Curve.Params().BitSize + 7) / 8
		if len(signature) != 2*byteLen {
			return ckr(pkcs11.CKR_SIGNATURE_LEN_RANGE)
		}
		r := new(big.Int).SetBytes(signature[:byteLen])
		sv := new(big.Int).SetBytes(signature[byteLen:])
		if !ecdsa.Verify(&key.ecKey.PublicKey, data, r, sv) {
			return ckr(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil
	}
	return ckr(pkcs11.CKR_MECHANISM_INVALID)
}

// DecryptInit prepares a decryption operation.
func (m *Module) DecryptInit(sh pkcs11.SessionHandle, mechID uint, oaep *pkcs11.OAEPParams, key pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DecryptInit")
	s, t, err := m.lookup(sh)
	if err != nil {
		return err
	}
	o, err := t.useKey(key, pkcs11.CKA_DECRYPT)
	if err != nil {
		return err
	}
	if t.rejected[mechID] {
		return ckr(pkcs11.CKR_MECHANISM_INVALID)
	}
	s.decryptKey = o
	s.decryptMech = mechID
	s.decryptOAEP = oaep
	return nil
}

// Decrypt performs the prepared decryption.
func (m *Module) Decrypt(sh pkcs11.SessionHandle, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Decrypt")
	s, _, err := m.lookup(sh)
	if err != nil {
		return nil, err
	}
	if s.decryptKey == nil {
		return nil, ckr(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	key, mechID, oaep := s.decryptKey, s.decryptMech, s.decryptOAEP
	s.decryptKey, s.decryptOAEP = nil, nil

	if key.rsaKey == nil {
		return nil, ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
	}
	switch mechID {
	case pkcs11.CKM_RSA_PKCS:
		pt, err := rsa.DecryptPKCS1v15(nil, key.rsaKey, ciphertext)
		if err != nil {
			return nil, ckr(pkcs11.CKR_ENCRYPTED_DATA_INVALID)
		}
		return pt, nil

	case pkcs11.CKM_RSA_PKCS_OAEP:
		if oaep == nil {
			return nil, ckr(pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		hash, ok := mech.HashFromCKM(oaep.HashAlg)
		if !ok {
			return nil, ckr(pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		pt, err := rsa.DecryptOAEP(hash.New(), nil, key.rsaKey, ciphertext, oaep.SourceData)
		if err != nil {
			return nil, ckr(pkcs11.CKR_ENCRYPTED_DATA_INVALID)
		}
		return pt, nil
	}
	return nil, ckr(pkcs11.CKR_MECHANISM_INVALID)
}

// DeriveKey performs ECDH against the peer point in params and stores
// the shared x-coordinate as a session object.
func (m *Module) DeriveKey(sh pkcs11.SessionHandle, mechID uint, params *pkcs11.ECDH1DeriveParams, base pkcs11.ObjectHandle, attrs []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DeriveKey")
	s, t, err := m.lookup(sh)
	if err != nil {
		return 0, err
	}
	o, err := t.useKey(base, pkcs11.CKA_DERIVE)
	if err != nil {
		return 0, err
	}
	if mechID != pkcs11.CKM_ECDH1_DERIVE || t.rejected[mechID] {
		return 0, ckr(pkcs11.CKR_MECHANISM_INVALID)
	}
	if o.ecKey == nil {
		return 0, ckr(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
	}
	if params == nil || params.KDF != pkcs11.CKD_NULL {
		return 0, ckr(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}

	curve := o.ecKey.Curve
	ecParams, err := certinfo.OIDFromCurve(curve)
	if err != nil {
		return 0, ckr(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	peer, err := certinfo.ECPublicKeyFromAttributes(ecParams, params.PublicKeyData)
	if err != nil {
		return 0, ckr(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}

	x, _ := curve.ScalarMult(peer.X, peer.Y, o.ecKey.D.Bytes())
	valueLen := (curve.Params().BitSize + 7) / 8
	for _, a := range attrs {
		if a.Type == pkcs11.CKA_VALUE_LEN {
			valueLen = int(p11token.BytesToUlong(a.Value))
		}
	}
	value := make([]byte, valueLen)
	x.FillBytes(value)

	so := t.newObject(pkcs11.CKO_SECRET_KEY, nil, "")
	so.session = s.handle
	so.attrs[pkcs11.CKA_VALUE] = value
	return so.handle, nil
}

func (m *Module) lookup(sh pkcs11.SessionHandle) (*session, *Token, error) {
	s, ok := m.sessions[sh]
	if !ok {
		return nil, nil, ckr(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	t := m.tokens[s.slotID]
	if t.removed {
		return nil, nil, ckr(pkcs11.CKR_DEVICE_REMOVED)
	}
	return s, t, nil
}

// visible hides private keys until login on login-required tokens.
func (t *Token) visible(o *object) bool {
	class := p11token.BytesToUlong(o.attrs[pkcs11.CKA_CLASS])
	if class == pkcs11.CKO_PRIVATE_KEY && t.loginRequired && !t.loggedIn {
		return false
	}
	return true
}

// useKey resolves a key object and enforces its usage attribute.
func (t *Token) useKey(h pkcs11.ObjectHandle, usageAttr uint) (*object, error) {
	o, ok := t.objects[h]
	if !ok || !t.visible(o) {
		return nil, ckr(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if v, ok := o.attrs[usageAttr]; ok && (len(v) == 0 || v[0] == 0) {
		return nil, ckr(pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED)
	}
	return o, nil
}

func matches(o *object, temp []*pkcs11.Attribute) bool {
	for _, a := range temp {
		v, ok := o.attrs[a.Type]
		if !ok || !bytes.Equal(v, a.Value) {
			return false
		}
	}
	return true
}

func pssParams(b []byte) (crypto.Hash, int, error) {
	hashCKM, _, salt, err := mech.DecodePSSParams(b)
	if err != nil {
		return 0, 0, ckr(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	hash, ok := mech.HashFromCKM(hashCKM)
	if !ok {
		return 0, 0, ckr(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	return hash, int(salt), nil
}
