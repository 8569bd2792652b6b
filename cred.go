package rvi

import (
	"fmt"
	"strings"
	"time"

	ed25519 "github.com/cloudflare/circl/sign/ed25519"
	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/base58"
	"github.com/glycerine/blake3"
	gjson "github.com/goccy/go-json"
)

// Direction says which way a right points: the right to
// invoke a service on somebody else, or the right to
// receive (host and answer) invocations of it.
type Direction int

const (
	DirInvoke   Direction = 1
	DirRegister Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirInvoke:
		return "invoke"
	case DirRegister:
		return "register"
	}
	panicf("need to update String() for Direction %v", int(d))
	return ""
}

// Right is one (service-name pattern, direction)
// authorization grant extracted from a credential.
type Right struct {
	Pattern string
	Dir     Direction
}

// CredClaims is the signed payload of a credential.
// A provisioning authority fills one in, signs it with
// MintCredential, and hands the blob to a node.
type CredClaims struct {
	Issuer   string `json:"iss"`
	Validity struct {
		Start int64 `json:"start"` // unix seconds, inclusive
		Stop  int64 `json:"stop"`  // unix seconds, inclusive
	} `json:"validity"`
	RightToInvoke  []string `json:"right_to_invoke"`
	RightToReceive []string `json:"right_to_receive"`
}

// Credential is the verified, immutable form of a credential
// blob: who issued it, when it is valid, and what it grants.
type Credential struct {
	Issuer      string
	ValidFrom   time.Time
	ValidTo     time.Time
	Rights      []Right
	Fingerprint string

	raw string // the blob as received, re-sent on handshakes
}

func (c *Credential) String() string {
	return fmt.Sprintf("Credential{Issuer:%q, ValidFrom:%v, ValidTo:%v, %v rights, Fingerprint:%v}",
		c.Issuer, c.ValidFrom.In(gtz).Format(rfc3339NanoNumericTZ0pad),
		c.ValidTo.In(gtz).Format(rfc3339NanoNumericTZ0pad), len(c.Rights), c.Fingerprint)
}

// Expired reports whether now falls outside the validity window.
func (c *Credential) Expired(now time.Time) bool {
	return now.Before(c.ValidFrom) || now.After(c.ValidTo)
}

// Covers reports whether the credential grants (name, dir) at
// time now. An expired credential grants nothing, no matter
// what its rights list says; expiry is re-checked on every
// call rather than cached.
func (c *Credential) Covers(name string, dir Direction, now time.Time) bool {
	if c.Expired(now) {
		return false
	}
	for _, r := range c.Rights {
		if r.Dir != dir {
			continue
		}
		if matchServicePattern(r.Pattern, name) {
			return true
		}
	}
	return false
}

// anyCovers is Covers over a whole credential set.
func anyCovers(creds []*Credential, name string, dir Direction, now time.Time) bool {
	for _, c := range creds {
		if c.Covers(name, dir, now) {
			return true
		}
	}
	return false
}

// matchServicePattern matches a slash-delimited service name
// against a rights pattern. Each pattern segment must equal
// the corresponding name segment, or be the wildcard "*",
// which matches exactly one segment -- except in last
// position, where it matches the whole remainder. A pattern
// with fewer segments than the name is a prefix match.
func matchServicePattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	pattern = strings.TrimSuffix(pattern, "/")
	ps := strings.Split(pattern, "/")
	ns := strings.Split(name, "/")
	for i, p := range ps {
		if i >= len(ns) {
			return false
		}
		if p == "*" {
			if i == len(ps)-1 {
				return true
			}
			continue
		}
		if p != ns[i] {
			return false
		}
	}
	return true
}

// MintCredential signs claims and returns the two-part blob
// base64url(claimsJSON).base64url(signature). Provisioning
// tools and tests use it; nodes only verify.
func MintCredential(claims *CredClaims, key ed25519.PrivateKey) (blob string, err error) {
	payload, err := gjson.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("minting credential: %w", err)
	}
	sig := ed25519.Sign(key, payload)
	blob = cristalbase64.URLEncoding.EncodeToString(payload) +
		"." + cristalbase64.URLEncoding.EncodeToString(sig)
	return blob, nil
}

// VerifyCredential checks a blob's signature against the
// provisioning authority key, parses the claims, and rejects
// credentials whose validity window excludes now. Anything
// absent, malformed, forged, or expired is an ErrNoCred.
func VerifyCredential(blob string, key ed25519.PublicKey, now time.Time) (*Credential, error) {
	if blob == "" {
		return nil, fmt.Errorf("%w: empty blob", ErrNoCred)
	}
	dot := strings.IndexByte(blob, '.')
	if dot < 0 {
		return nil, fmt.Errorf("%w: blob has no signature part", ErrNoCred)
	}
	payload, err := cristalbase64.URLEncoding.DecodeString(blob[:dot])
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding: %v", ErrNoCred, err)
	}
	sig, err := cristalbase64.URLEncoding.DecodeString(blob[dot+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding: %v", ErrNoCred, err)
	}
	if len(key) != ed25519.PublicKeySize || !ed25519.Verify(key, payload, sig) {
		return nil, fmt.Errorf("%w: signature does not verify", ErrNoCred)
	}
	var claims CredClaims
	if err := gjson.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: bad claims: %v", ErrNoCred, err)
	}
	cred := &Credential{
		Issuer:      claims.Issuer,
		ValidFrom:   time.Unix(claims.Validity.Start, 0),
		ValidTo:     time.Unix(claims.Validity.Stop, 0),
		Fingerprint: credFingerprint(blob),
		raw:         blob,
	}
	for _, pat := range claims.RightToInvoke {
		cred.Rights = append(cred.Rights, Right{Pattern: pat, Dir: DirInvoke})
	}
	for _, pat := range claims.RightToReceive {
		cred.Rights = append(cred.Rights, Right{Pattern: pat, Dir: DirRegister})
	}
	if cred.Expired(now) {
		return nil, fmt.Errorf("%w: credential from %q expired (window %v - %v)",
			ErrNoCred, cred.Issuer, cred.ValidFrom, cred.ValidTo)
	}
	return cred, nil
}

// we always use 255, which is -1 in 8-bit 2's compliment.
const versionByteBase58Checked byte = 255

// credFingerprint is a short stable identifier for a blob,
// for logs and dedup.
func credFingerprint(blob string) string {
	h := blake3.New(64, nil)
	h.Write([]byte(blob))
	sum := h.Sum(nil)
	return base58.CheckEncode(sum[:16], versionByteBase58Checked)
}
