// Package p11token manages sessions to PKCS#11 tokens such as HSMs,
// smart cards and software tokens.
//
// The package owns the session lifecycle (open, login, close), serializes
// hardware calls so that at most one operation is in flight per session,
// and exposes token-resident objects (private keys, public keys,
// certificates) as handles with cached metadata. Object handles are only
// valid within the session that produced them; closing a session
// invalidates every handle it issued.
//
// The low-level PKCS#11 binding is consumed through the Ctx interface,
// which is satisfied by github.com/miekg/pkcs11 with a thin adapter and by
// the in-memory token in the mockp11 package.
package p11token
