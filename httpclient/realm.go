package httpclient

import (
	"strings"
)

// AuthScheme is an HTTP authentication scheme.
type AuthScheme int

const (
	// AuthAny answers whichever supported scheme the server offers,
	// preferring NTLM, then Digest, then Basic.
	AuthAny AuthScheme = iota

	// AuthBasic is RFC 7617 Basic.
	AuthBasic

	// AuthDigest is RFC 7616 Digest.
	AuthDigest

	// AuthNTLM is the connection-bound NTLM handshake.
	AuthNTLM
)

// String returns the scheme token as it appears in challenge headers.
func (s AuthScheme) String() string {
	switch s {
	case AuthBasic:
		return "Basic"
	case AuthDigest:
		return "Digest"
	case AuthNTLM:
		return "NTLM"
	default:
		return "Any"
	}
}

func parseAuthScheme(token string) (AuthScheme, bool) {
	switch {
	case strings.EqualFold(token, "basic"):
		return AuthBasic, true
	case strings.EqualFold(token, "digest"):
		return AuthDigest, true
	case strings.EqualFold(token, "ntlm"):
		return AuthNTLM, true
	}
	return AuthAny, false
}

// Realm holds the credentials used to answer 401 challenges.
//
// Example:
//
//	realm := httpclient.BasicRealm("user", "passwd")
//	realm.UsePreemptiveAuth = true
//
//	client := httpclient.New(httpclient.WithRealm(realm))
type Realm struct {
	Principal string
	Password  string

	// Scheme restricts which challenge is answered. AuthAny answers the
	// strongest scheme offered.
	Scheme AuthScheme

	// UsePreemptiveAuth sends credentials on the first attempt instead of
	// waiting for a challenge. Basic is sent as is; Digest needs Nonce.
	UsePreemptiveAuth bool

	// Digest parameters. They are filled from the challenge; setting them
	// up front enables preemptive Digest.
	RealmName string
	Nonce     string
	Opaque    string
	Algorithm string
	Qop       string

	// NTLMDomain and NTLMHost identify the client in the NTLM authenticate
	// message.
	NTLMDomain string
	NTLMHost   string
}

// BasicRealm returns a Realm restricted to Basic.
func BasicRealm(principal, password string) *Realm {
	return &Realm{Principal: principal, Password: password, Scheme: AuthBasic}
}

// DigestRealm returns a Realm restricted to Digest.
func DigestRealm(principal, password string) *Realm {
	return &Realm{Principal: principal, Password: password, Scheme: AuthDigest}
}

// NTLMRealm returns a Realm restricted to NTLM.
func NTLMRealm(principal, password, domain, host string) *Realm {
	return &Realm{
		Principal:  principal,
		Password:   password,
		Scheme:     AuthNTLM,
		NTLMDomain: domain,
		NTLMHost:   host,
	}
}

// accepts reports whether the realm may answer a challenge of scheme s.
func (r *Realm) accepts(s AuthScheme) bool {
	return r.Scheme == AuthAny || r.Scheme == s
}

func (r *Realm) clone() *Realm {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
