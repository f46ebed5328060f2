// Package canonical builds the deterministic string form of a request context
// and the digest that binds integrity tokens to it.
//
// The serialization rule is fixed: fields are sorted by key in ascending byte
// order, every key and value is query-escaped, each field is rendered as
// key=value and fields are joined with '&'. For example
//
//	{action: login, sessionId: 123456, ts: 1700000000}
//
// canonicalizes to
//
//	action=login&sessionId=123456&ts=1700000000
package canonical

import (
	"crypto"
	// Registers crypto.SHA256.
	_ "crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DigestHash is the hash function used for request digests.
const DigestHash = crypto.SHA256

// DigestLen is the length of a hex encoded Digest.
const DigestLen = 2 * 32

// Well-known request context keys used by the login flow.
const (
	KeyAction    = "action"
	KeySessionID = "sessionId"
	KeyTimestamp = "ts"
)

// RequestContext is an immutable set of fields describing what is being
// attested. The zero value is an empty context.
type RequestContext struct {
	fields map[string]string
}

// ErrEmptyKey is returned by NewRequestContext for a field with an empty key.
var ErrEmptyKey = errors.New("request context field with empty key")

// NewRequestContext copies fields into a new RequestContext. It fails with
// ErrEmptyKey if any key is empty.
func NewRequestContext(fields map[string]string) (RequestContext, error) {
	rc := RequestContext{fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		if k == "" {
			return RequestContext{}, ErrEmptyKey
		}
		rc.fields[k] = v
	}
	return rc, nil
}

// LoginContext returns the context attested by the login action.
func LoginContext(sessionID string, ts time.Time) RequestContext {
	return RequestContext{}.
		With(KeyAction, "login").
		With(KeySessionID, sessionID).
		With(KeyTimestamp, strconv.FormatInt(ts.Unix(), 10))
}

// With returns a copy of rc with key set to value. Like NewRequestContext it
// never stores an empty key, but since With has no error return it returns rc
// unchanged instead of failing. Use NewRequestContext to detect empty keys.
func (rc RequestContext) With(key, value string) RequestContext {
	if key == "" {
		return rc
	}
	next := RequestContext{fields: make(map[string]string, len(rc.fields)+1)}
	for k, v := range rc.fields {
		next.fields[k] = v
	}
	next.fields[key] = value
	return next
}

// Get returns the value stored for key.
func (rc RequestContext) Get(key string) (string, bool) {
	v, ok := rc.fields[key]
	return v, ok
}

// Len returns the number of fields.
func (rc RequestContext) Len() int {
	return len(rc.fields)
}

// Fields returns a copy of the fields.
func (rc RequestContext) Fields() map[string]string {
	out := make(map[string]string, len(rc.fields))
	for k, v := range rc.fields {
		out[k] = v
	}
	return out
}

// Request is the canonical string form of a RequestContext.
type Request string

// Canonicalize serializes rc using the package serialization rule.
func Canonicalize(rc RequestContext) Request {
	keys := make([]string, 0, len(rc.fields))
	for k := range rc.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(rc.fields[k]))
	}
	return Request(b.String())
}

// Digest is the lowercase hex encoded SHA-256 of a canonical Request.
type Digest string

// Bytes decodes the digest.
func (d Digest) Bytes() ([]byte, error) {
	if len(d) != DigestLen {
		return nil, fmt.Errorf("digest has length %d, want %d", len(d), DigestLen)
	}
	return hex.DecodeString(string(d))
}

// FatalHashError is returned when the digest hash function is not linked into
// the binary. It is not recoverable.
type FatalHashError struct {
	Hash crypto.Hash
}

func (e *FatalHashError) Error() string {
	return fmt.Sprintf("hash function %v is unavailable", e.Hash)
}

// ComputeDigest hashes the UTF-8 bytes of r.
func ComputeDigest(r Request) (Digest, error) {
	if !DigestHash.Available() {
		return "", &FatalHashError{Hash: DigestHash}
	}
	h := DigestHash.New()
	h.Write([]byte(r))
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// Hash canonicalizes rc and computes its digest.
func Hash(rc RequestContext) (Request, Digest, error) {
	req := Canonicalize(rc)
	digest, err := ComputeDigest(req)
	if err != nil {
		return "", "", err
	}
	return req, digest, nil
}
