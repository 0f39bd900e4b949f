package httpclient

import (
	"net/http"
	"strings"
)

// challenge is one parsed WWW-Authenticate or Proxy-Authenticate value.
type challenge struct {
	scheme AuthScheme

	// token is the token68 payload (NTLM), or "".
	token string

	// params are the auth-params (Digest, Basic realm). Keys are lower case.
	params map[string]string
}

// parseChallenges parses challenge header values, skipping schemes the
// client does not speak.
func parseChallenges(values []string) []challenge {
	out := make([]challenge, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		name, rest, _ := strings.Cut(v, " ")
		scheme, ok := parseAuthScheme(name)
		if !ok {
			continue
		}
		ch := challenge{scheme: scheme}
		rest = strings.TrimSpace(rest)
		if scheme == AuthNTLM {
			ch.token = rest
		} else {
			ch.params = parseAuthParams(rest)
		}
		out = append(out, ch)
	}
	return out
}

// parseAuthParams parses a comma separated list of name=value pairs where
// values may be quoted strings containing commas.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for s != "" {
		s = strings.TrimLeft(s, " ,\t")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		name := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for ; i < len(s); i++ {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					i++
					b.WriteByte(s[i])
					continue
				}
				if c == '"' {
					break
				}
				b.WriteByte(c)
			}
			value = b.String()
			s = s[min(i+1, len(s)):]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		params[name] = value
	}
	return params
}

// selectChallenge picks the challenge realm answers, preferring NTLM, then
// Digest, then Basic when the realm accepts any scheme.
func selectChallenge(realm *Realm, challenges []challenge) (challenge, bool) {
	for _, scheme := range []AuthScheme{AuthNTLM, AuthDigest, AuthBasic} {
		if !realm.accepts(scheme) {
			continue
		}
		for _, ch := range challenges {
			if ch.scheme == scheme {
				return ch, true
			}
		}
	}
	return challenge{}, false
}

// =============================================================================
// Auth State
// =============================================================================

// authSide is one of the two places credentials are exchanged with.
type authSide int

const (
	authServer authSide = iota
	authProxy
)

func (s authSide) header() string {
	if s == authProxy {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

func (s authSide) challengeHeader() string {
	if s == authProxy {
		return "Proxy-Authenticate"
	}
	return "WWW-Authenticate"
}

func (s authSide) String() string {
	if s == authProxy {
		return "proxy"
	}
	return "server"
}

// ntlmPhase tracks the connection-bound handshake.
type ntlmPhase int

const (
	ntlmNone ntlmPhase = iota
	ntlmNegotiated
	ntlmAuthenticated
)

// authState remembers which challenges an execution already answered, so a
// second challenge for the same scheme is delivered instead of answered.
type authState struct {
	answered [2]map[AuthScheme]bool
	ntlm     [2]ntlmPhase
	digest   [2]*digestCounter
}

func newAuthState() *authState {
	return &authState{
		answered: [2]map[AuthScheme]bool{{}, {}},
		digest:   [2]*digestCounter{newDigestCounter(), newDigestCounter()},
	}
}

// reset forgets the answered challenges, e.g. after a redirect to a new
// resource.
func (a *authState) reset() {
	a.answered = [2]map[AuthScheme]bool{{}, {}}
	a.ntlm = [2]ntlmPhase{}
}

// authAnswer is the header that answers a challenge.
type authAnswer struct {
	side   authSide
	scheme AuthScheme
	value  string

	// pin keeps the connection for the next attempt (NTLM).
	pin bool
}

// answer returns the credentials answering challenges, or false when the
// challenge must be delivered to the handler: no usable scheme, or the
// scheme was already answered.
func (a *authState) answer(
	side authSide,
	realm *Realm,
	challenges []challenge,
	method, requestURI string,
	body []byte,
) (authAnswer, bool, error) {
	ch, ok := selectChallenge(realm, challenges)
	if !ok {
		return authAnswer{}, false, nil
	}

	ans := authAnswer{side: side, scheme: ch.scheme}
	switch ch.scheme {
	case AuthBasic:
		if a.answered[side][AuthBasic] {
			return authAnswer{}, false, nil
		}
		ans.value = basicAuth(realm.Principal, realm.Password)

	case AuthDigest:
		// A stale nonce is answered again with the fresh one.
		if a.answered[side][AuthDigest] && !strings.EqualFold(ch.params["stale"], "true") {
			return authAnswer{}, false, nil
		}
		v, err := digestAuthorization(realm, ch.params, method, requestURI, body, a.digest[side])
		if err != nil {
			return authAnswer{}, false, err
		}
		ans.value = v

	case AuthNTLM:
		switch {
		case ch.token == "" && a.ntlm[side] == ntlmNone:
			ans.value = ntlmNegotiate()
			a.ntlm[side] = ntlmNegotiated
		case ch.token != "" && a.ntlm[side] == ntlmNegotiated:
			v, err := ntlmAuthenticate(realm, ch.token)
			if err != nil {
				return authAnswer{}, false, err
			}
			ans.value = v
			a.ntlm[side] = ntlmAuthenticated
		default:
			return authAnswer{}, false, nil
		}
		ans.pin = true
	}

	a.answered[side][ch.scheme] = true
	return ans, true, nil
}

// preemptive returns the Authorization value sent before any challenge, or
// "". Basic is sent as is; Digest needs a nonce on the realm.
func (a *authState) preemptive(realm *Realm, method, requestURI string, body []byte) string {
	if realm == nil || !realm.UsePreemptiveAuth {
		return ""
	}
	switch {
	case realm.Scheme == AuthBasic || (realm.Scheme == AuthAny && realm.Nonce == ""):
		a.answered[authServer][AuthBasic] = true
		return basicAuth(realm.Principal, realm.Password)
	case realm.accepts(AuthDigest) && realm.Nonce != "":
		params := map[string]string{
			"realm":     realm.RealmName,
			"nonce":     realm.Nonce,
			"opaque":    realm.Opaque,
			"algorithm": realm.Algorithm,
			"qop":       realm.Qop,
		}
		v, err := digestAuthorization(realm, params, method, requestURI, body, a.digest[authServer])
		if err != nil {
			return ""
		}
		a.answered[authServer][AuthDigest] = true
		return v
	}
	return ""
}

// challengeSide maps a response status to the side that challenged.
func challengeSide(status int) (authSide, bool) {
	switch status {
	case http.StatusUnauthorized:
		return authServer, true
	case http.StatusProxyAuthRequired:
		return authProxy, true
	}
	return authServer, false
}
