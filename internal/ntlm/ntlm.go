// Package ntlm encodes and decodes the three NTLM handshake messages used
// for HTTP authentication: negotiate (type 1), challenge (type 2) and
// authenticate (type 3).
//
// The authenticate message carries NTLMv1 LM/NT responses, or the NTLM2
// session response when the server's challenge requests it.
package ntlm

import (
	"bytes"
	"crypto/des"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// Negotiation flags.
const (
	FlagUnicode         uint32 = 0x00000001
	FlagOEM             uint32 = 0x00000002
	FlagRequestTarget   uint32 = 0x00000004
	FlagSign            uint32 = 0x00000010
	FlagSeal            uint32 = 0x00000020
	FlagLanManagerKey   uint32 = 0x00000080
	FlagNTLM            uint32 = 0x00000200
	FlagAlwaysSign      uint32 = 0x00008000
	FlagNTLM2Session    uint32 = 0x00080000
	FlagTargetInfo      uint32 = 0x00800000
	FlagVersion         uint32 = 0x02000000
	Flag128BitKey       uint32 = 0x20000000
	FlagExplicitKeyExch uint32 = 0x40000000
	Flag56BitKey        uint32 = 0x80000000
)

const (
	negotiateFlags = FlagUnicode | FlagNTLM | FlagAlwaysSign | FlagNTLM2Session |
		FlagVersion | Flag128BitKey | Flag56BitKey

	// authenticateMask selects the challenge flags echoed in the
	// authenticate message.
	authenticateMask = FlagLanManagerKey | FlagNTLM | FlagNTLM2Session | FlagAlwaysSign |
		FlagSeal | FlagSign | Flag128BitKey | Flag56BitKey | FlagExplicitKeyExch |
		FlagTargetInfo | FlagUnicode | FlagRequestTarget
)

var (
	signature = []byte("NTLMSSP\x00")

	// version is the fixed OS version block: 5.1 build 2600, NTLM revision 15.
	version = []byte{0x05, 0x01, 0x28, 0x0a, 0x00, 0x00, 0x00, 0x0f}

	lmMagic = []byte("KGS!@#$%")
)

// ErrMalformedChallenge is returned when a type 2 message cannot be parsed.
var ErrMalformedChallenge = errors.New("ntlm: malformed challenge message")

// Challenge is a decoded type 2 message.
type Challenge struct {
	Flags      uint32
	Nonce      [8]byte
	Target     string
	TargetInfo []byte
}

// Credentials identify the client in the authenticate message.
type Credentials struct {
	User     string
	Password string
	Domain   string
	Host     string
}

// Negotiate returns the base64 type 1 message. Domain and workstation are
// left empty; the server learns them from the authenticate message.
func Negotiate() string {
	buf := make([]byte, 0, 40)
	buf = append(buf, signature...)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, negotiateFlags)
	buf = appendSecBuf(buf, 0, 40)
	buf = appendSecBuf(buf, 0, 40)
	buf = append(buf, version...)
	return base64.StdEncoding.EncodeToString(buf)
}

// ParseChallenge decodes a base64 type 2 message.
func ParseChallenge(encoded string) (*Challenge, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedChallenge, err)
	}
	if len(raw) < 32 || !bytes.Equal(raw[:8], signature) ||
		binary.LittleEndian.Uint32(raw[8:12]) != 2 {
		return nil, ErrMalformedChallenge
	}

	c := &Challenge{Flags: binary.LittleEndian.Uint32(raw[20:24])}
	copy(c.Nonce[:], raw[24:32])

	if target, ok := readSecBuf(raw, 12); ok {
		if c.Flags&FlagUnicode != 0 {
			c.Target = fromUnicode(target)
		} else {
			c.Target = string(target)
		}
	}
	if len(raw) >= 48 {
		if info, ok := readSecBuf(raw, 40); ok {
			c.TargetInfo = info
		}
	}
	return c, nil
}

// Authenticate returns the base64 type 3 message answering challenge.
func Authenticate(creds Credentials, challenge *Challenge) (string, error) {
	var lmResp, ntResp []byte

	ntHash := ntowfv1(creds.Password)
	if challenge.Flags&FlagNTLM2Session != 0 {
		var clientNonce [8]byte
		if _, err := rand.Read(clientNonce[:]); err != nil {
			return "", err
		}
		lmResp, ntResp = ntlm2SessionResponse(ntHash, challenge.Nonce, clientNonce)
	} else {
		lmResp = desResponse(lmowfv1(creds.Password), challenge.Nonce[:])
		ntResp = desResponse(ntHash, challenge.Nonce[:])
	}

	domain := toUnicode(strings.ToUpper(creds.Domain))
	user := toUnicode(creds.User)
	host := toUnicode(stripDotSuffix(creds.Host))

	const headerLen = 72
	lmOff := headerLen
	ntOff := lmOff + len(lmResp)
	domainOff := ntOff + len(ntResp)
	userOff := domainOff + len(domain)
	hostOff := userOff + len(user)
	sessionOff := hostOff + len(host)

	buf := make([]byte, 0, sessionOff)
	buf = append(buf, signature...)
	buf = binary.LittleEndian.AppendUint32(buf, 3)
	buf = appendSecBuf(buf, len(lmResp), lmOff)
	buf = appendSecBuf(buf, len(ntResp), ntOff)
	buf = appendSecBuf(buf, len(domain), domainOff)
	buf = appendSecBuf(buf, len(user), userOff)
	buf = appendSecBuf(buf, len(host), hostOff)
	buf = appendSecBuf(buf, 0, sessionOff)
	buf = binary.LittleEndian.AppendUint32(buf, challenge.Flags&authenticateMask|FlagVersion)
	buf = append(buf, version...)
	buf = append(buf, lmResp...)
	buf = append(buf, ntResp...)
	buf = append(buf, domain...)
	buf = append(buf, user...)
	buf = append(buf, host...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

func appendSecBuf(buf []byte, length, offset int) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(length))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(length))
	return binary.LittleEndian.AppendUint32(buf, uint32(offset))
}

func readSecBuf(raw []byte, at int) ([]byte, bool) {
	if len(raw) < at+8 {
		return nil, false
	}
	length := int(binary.LittleEndian.Uint16(raw[at : at+2]))
	offset := int(binary.LittleEndian.Uint32(raw[at+4 : at+8]))
	if length == 0 || offset+length > len(raw) {
		return nil, false
	}
	return raw[offset : offset+length], true
}

// ntowfv1 is the NT hash: MD4 over the UTF-16LE password.
func ntowfv1(password string) []byte {
	h := md4.New()
	h.Write(toUnicode(password))
	return h.Sum(nil)
}

// lmowfv1 is the LAN Manager hash of the upper-cased password.
func lmowfv1(password string) []byte {
	key := make([]byte, 14)
	copy(key, strings.ToUpper(password))

	out := make([]byte, 0, 16)
	out = append(out, desEncrypt(key[:7], lmMagic)...)
	out = append(out, desEncrypt(key[7:], lmMagic)...)
	return out
}

// desResponse pads hash to 21 bytes and encrypts challenge under each of the
// three 7-byte keys.
func desResponse(hash, challenge []byte) []byte {
	key := make([]byte, 21)
	copy(key, hash)

	out := make([]byte, 0, 24)
	out = append(out, desEncrypt(key[0:7], challenge)...)
	out = append(out, desEncrypt(key[7:14], challenge)...)
	out = append(out, desEncrypt(key[14:21], challenge)...)
	return out
}

func ntlm2SessionResponse(ntHash []byte, serverNonce, clientNonce [8]byte) ([]byte, []byte) {
	lm := make([]byte, 24)
	copy(lm, clientNonce[:])

	sum := md5.Sum(append(serverNonce[:], clientNonce[:]...))
	return lm, desResponse(ntHash, sum[:8])
}

// desEncrypt encrypts one block with a 56-bit key expanded to DES form.
func desEncrypt(key7, block []byte) []byte {
	cipher, err := des.NewCipher(expandKey(key7))
	if err != nil {
		// A DES key is always 8 bytes here.
		panic(err)
	}
	out := make([]byte, 8)
	cipher.Encrypt(out, block)
	return out
}

func expandKey(k []byte) []byte {
	return []byte{
		k[0],
		k[0]<<7 | k[1]>>1,
		k[1]<<6 | k[2]>>2,
		k[2]<<5 | k[3]>>3,
		k[3]<<4 | k[4]>>4,
		k[4]<<3 | k[5]>>5,
		k[5]<<2 | k[6]>>6,
		k[6] << 1,
	}
}

func toUnicode(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out
}

func fromUnicode(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}

func stripDotSuffix(host string) string {
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}
