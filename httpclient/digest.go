package httpclient

import (
	"crypto/md5" //nolint:gosec // required by RFC 2617
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// digestCounter hands out the nc value of each nonce.
type digestCounter struct {
	mu     sync.Mutex
	counts map[string]uint32
}

func newDigestCounter() *digestCounter {
	return &digestCounter{counts: make(map[string]uint32)}
}

func (d *digestCounter) next(nonce string) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[nonce]++
	return d.counts[nonce]
}

// digestHash returns the hash function of a Digest algorithm and whether it
// is a session variant.
func digestHash(algorithm string) (func() hash.Hash, bool, error) {
	switch strings.ToUpper(algorithm) {
	case "", "MD5":
		return md5.New, false, nil
	case "MD5-SESS":
		return md5.New, true, nil
	case "SHA-256":
		return sha256.New, false, nil
	case "SHA-256-SESS":
		return sha256.New, true, nil
	}
	return nil, false, fmt.Errorf("unsupported digest algorithm %q", algorithm)
}

// selectQop picks "auth" over "auth-int" from the offered list, or "" when
// the server sent none (RFC 2069 compatibility).
func selectQop(offered string) string {
	var authInt bool
	for _, q := range strings.Split(offered, ",") {
		switch strings.ToLower(strings.TrimSpace(q)) {
		case "auth":
			return "auth"
		case "auth-int":
			authInt = true
		}
	}
	if authInt {
		return "auth-int"
	}
	return ""
}

// digestAuthorization computes the Digest credentials for one request.
// requestURI is the request-target as written on the request line.
func digestAuthorization(
	realm *Realm,
	params map[string]string,
	method, requestURI string,
	body []byte,
	counter *digestCounter,
) (string, error) {
	newHash, sess, err := digestHash(params["algorithm"])
	if err != nil {
		return "", err
	}
	h := func(parts ...string) string {
		hh := newHash()
		hh.Write([]byte(strings.Join(parts, ":")))
		return hex.EncodeToString(hh.Sum(nil))
	}

	realmName := params["realm"]
	nonce := params["nonce"]
	qop := selectQop(params["qop"])
	cnonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	nc := fmt.Sprintf("%08x", counter.next(nonce))

	ha1 := h(realm.Principal, realmName, realm.Password)
	if sess {
		ha1 = h(ha1, nonce, cnonce)
	}

	ha2 := h(method, requestURI)
	if qop == "auth-int" {
		ha2 = h(method, requestURI, h(string(body)))
	}

	var response string
	if qop == "" {
		response = h(ha1, nonce, ha2)
	} else {
		response = h(ha1, nonce, nc, cnonce, qop, ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q`,
		realm.Principal, realmName, nonce, requestURI)
	if alg := params["algorithm"]; alg != "" {
		fmt.Fprintf(&b, ", algorithm=%s", alg)
	}
	fmt.Fprintf(&b, ", response=%q", response)
	if opaque := params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, ", opaque=%q", opaque)
	}
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce=%q`, qop, nc, cnonce)
	}
	return b.String(), nil
}
