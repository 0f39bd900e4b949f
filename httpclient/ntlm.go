package httpclient

import (
	"github.com/kroma-labs/sentinel-async/internal/ntlm"
)

// ntlmNegotiate returns the header value opening an NTLM handshake.
func ntlmNegotiate() string {
	return "NTLM " + ntlm.Negotiate()
}

// ntlmAuthenticate returns the header value answering the server's type 2
// token.
func ntlmAuthenticate(realm *Realm, token string) (string, error) {
	ch, err := ntlm.ParseChallenge(token)
	if err != nil {
		return "", err
	}
	msg, err := ntlm.Authenticate(ntlm.Credentials{
		User:     realm.Principal,
		Password: realm.Password,
		Domain:   realm.NTLMDomain,
		Host:     realm.NTLMHost,
	}, ch)
	if err != nil {
		return "", err
	}
	return "NTLM " + msg, nil
}
