package p11token

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// findObjectsBatch is the page size for C_FindObjects.
const findObjectsBatch = 32

// Object is a handle to a token-resident object with cached metadata.
// An Object is valid only within the session generation that produced it
// and must never be persisted or reused across sessions: tokens may
// reassign handles on every session.
type Object struct {
	session *Session
	handle  pkcs11.ObjectHandle
	gen     uint64

	// Class is the CKO_* object class.
	Class uint
	// KeyType is the CKK_* key type, zero for certificates.
	KeyType uint
	// ID is the CKA_ID used to correlate a key pair and its certificate.
	ID []byte
	// Label is the CKA_LABEL, not guaranteed unique or present.
	Label string
}

func (o *Object) String() string {
	return fmt.Sprintf("class=%s, id=%x, label=%q",
		ObjectClassNames[o.Class], o.ID, o.Label)
}

// KeyUsage is the set of operations the object's attributes permit.
type KeyUsage struct {
	Sign    bool
	Verify  bool
	Encrypt bool
	Decrypt bool
	Derive  bool
	Wrap    bool
	Unwrap  bool
}

// FindObjects queries the token for objects of the given class matching
// the filter attributes. Every call re-queries the token; results from
// earlier calls stay bound to their session generation. Private-key
// queries on a login-required token demand an authenticated session.
func (s *Session) FindObjects(class uint, filter ...*pkcs11.Attribute) ([]*Object, error) {
	if class == pkcs11.CKO_PRIVATE_KEY && s.slot.LoginRequired() && !s.LoggedIn() {
		return nil, errors.Mark(
			errors.New("private key enumeration requires login"), ErrAuthentication)
	}

	template := append([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}, filter...)

	var handles []pkcs11.ObjectHandle
	err := s.run("FindObjects", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		if err := ctx.FindObjectsInit(sh, template); err != nil {
			return err
		}
		defer func() {
			_ = ctx.FindObjectsFinal(sh)
		}()
		for {
			batch, _, err := ctx.FindObjects(sh, findObjectsBatch)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			handles = append(handles, batch...)
		}
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	list := make([]*Object, 0, len(handles))
	for _, h := range handles {
		obj := &Object{
			session: s,
			handle:  h,
			gen:     gen,
			Class:   class,
		}
		if err := s.loadMetadata(obj); err != nil {
			return nil, err
		}
		list = append(list, obj)
	}
	logger.Tracef("class=%s, found=%d", ObjectClassNames[class], len(list))
	return list, nil
}

// loadMetadata caches id, label and key type on the object.
func (s *Session) loadMetadata(obj *Object) error {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
	}
	if obj.Class == pkcs11.CKO_PRIVATE_KEY || obj.Class == pkcs11.CKO_PUBLIC_KEY {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil))
	}
	err := s.run("GetAttributeValue", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		got, err := ctx.GetAttributeValue(sh, obj.handle, template)
		if err != nil {
			return err
		}
		obj.ID = got[0].Value
		obj.Label = string(got[1].Value)
		if len(got) > 2 {
			obj.KeyType = BytesToUlong(got[2].Value)
		}
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "object metadata: handle=%d", obj.handle)
	}
	return nil
}

// GetAttributes fetches raw attribute values for the object.
func (s *Session) GetAttributes(obj *Object, ids ...uint) (map[uint][]byte, error) {
	if err := s.checkOwned(obj); err != nil {
		return nil, err
	}
	template := make([]*pkcs11.Attribute, 0, len(ids))
	for _, id := range ids {
		template = append(template, pkcs11.NewAttribute(id, nil))
	}
	res := make(map[uint][]byte, len(ids))
	err := s.run("GetAttributeValue", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		got, err := ctx.GetAttributeValue(sh, obj.handle, template)
		if err != nil {
			return err
		}
		for _, a := range got {
			res[a.Type] = a.Value
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "object attributes: %s", obj)
	}
	return res, nil
}

// usageAttrs maps object class to the usage attributes defined for it.
var usageAttrs = map[uint][]struct {
	attr uint
	set  func(*KeyUsage, bool)
}{
	pkcs11.CKO_PRIVATE_KEY: {
		{pkcs11.CKA_SIGN, func(u *KeyUsage, v bool) { u.Sign = v }},
		{pkcs11.CKA_DECRYPT, func(u *KeyUsage, v bool) { u.Decrypt = v }},
		{pkcs11.CKA_DERIVE, func(u *KeyUsage, v bool) { u.Derive = v }},
		{pkcs11.CKA_UNWRAP, func(u *KeyUsage, v bool) { u.Unwrap = v }},
	},
	pkcs11.CKO_PUBLIC_KEY: {
		{pkcs11.CKA_VERIFY, func(u *KeyUsage, v bool) { u.Verify = v }},
		{pkcs11.CKA_ENCRYPT, func(u *KeyUsage, v bool) { u.Encrypt = v }},
		{pkcs11.CKA_WRAP, func(u *KeyUsage, v bool) { u.Wrap = v }},
	},
}

// KeyUsage reads the usage attributes defined for the object's class.
// Attributes a token does not expose are queried one by one and treated
// as not permitted.
func (s *Session) KeyUsage(obj *Object) (*KeyUsage, error) {
	if err := s.checkOwned(obj); err != nil {
		return nil, err
	}
	attrs, ok := usageAttrs[obj.Class]
	if !ok {
		return nil, errors.Newf("no usage attributes for class: %s", ObjectClassNames[obj.Class])
	}

	usage := new(KeyUsage)
	err := s.run("GetAttributeValue", func(ctx Ctx, sh pkcs11.SessionHandle) error {
		for _, ua := range attrs {
			got, err := ctx.GetAttributeValue(sh, obj.handle, []*pkcs11.Attribute{
				pkcs11.NewAttribute(ua.attr, nil),
			})
			if err != nil {
				// tokens report CKR_ATTRIBUTE_TYPE_INVALID for
				// attributes they do not store
				logger.Tracef("reason=attribute, attr=0x%X, err=[%v]", ua.attr, err)
				continue
			}
			ua.set(usage, len(got[0].Value) > 0 && got[0].Value[0] != 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}
