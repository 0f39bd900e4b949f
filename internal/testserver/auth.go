package testserver

import (
	"crypto/md5" //nolint:gosec // Digest auth is defined over MD5
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/google/uuid"
)

// BasicAuth challenges requests without the credentials user:pass.
func BasicAuth(realm, user, pass string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if ok && secureEqual(u, user) && secureEqual(p, pass) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}

// DigestAuth challenges requests without a valid MD5 Digest response
// (qop=auth) for user:pass.
func DigestAuth(realm, user, pass string) Middleware {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	opaque := strings.ReplaceAll(uuid.NewString(), "-", "")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Digest "); ok {
				p := parseAuthParams(v)
				ha1 := md5Hex(user, realm, pass)
				ha2 := md5Hex(r.Method, p["uri"])
				want := md5Hex(ha1, nonce, p["nc"], p["cnonce"], p["qop"], ha2)
				if p["username"] == user && p["nonce"] == nonce && p["opaque"] == opaque &&
					p["uri"] == r.RequestURI && secureEqual(p["response"], want) {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate",
				`Digest realm="`+realm+`", qop="auth", nonce="`+nonce+`", opaque="`+opaque+`", algorithm=MD5`)
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}

// ntlmChallenge is a type 2 message with the server nonce "SrvNonce".
const ntlmChallenge = "TlRMTVNTUAACAAAAAAAAACgAAAABggAAU3J2Tm9uY2UAAAAAAAAAAA=="

// NTLMAuth runs the connection-bound NTLM handshake: the negotiate and the
// authenticate message from user must arrive on the same connection. The
// response hashes are not verified.
func NTLMAuth(user string) Middleware {
	var (
		mu          sync.Mutex
		negotiating = make(map[string]bool)
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "NTLM ")
			msg, err := base64.StdEncoding.DecodeString(token)
			if token == "" || err != nil || len(msg) < 12 {
				w.Header().Set("WWW-Authenticate", "NTLM")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			switch binary.LittleEndian.Uint32(msg[8:12]) {
			case 1:
				negotiating[r.RemoteAddr] = true
				w.Header().Set("WWW-Authenticate", "NTLM "+ntlmChallenge)
				w.WriteHeader(http.StatusUnauthorized)
			case 3:
				ok := negotiating[r.RemoteAddr] && ntlmUser(msg) == user
				delete(negotiating, r.RemoteAddr)
				if !ok {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
		})
	}
}

// ntlmUser reads the user name of a type 3 message.
func ntlmUser(msg []byte) string {
	if len(msg) < 44 {
		return ""
	}
	length := int(binary.LittleEndian.Uint16(msg[36:38]))
	offset := int(binary.LittleEndian.Uint32(msg[40:44]))
	if offset+length > len(msg) || length%2 != 0 {
		return ""
	}
	raw := msg[offset : offset+length]
	u := make([]uint16, len(raw)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(u))
}

func md5Hex(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":"))) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
