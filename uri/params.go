package uri

import (
	"strings"
)

// Param is a single name/value pair of a query string or form body.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered list of parameters. Unlike url.Values it keeps
// insertion order across distinct names, which matters for signed URLs and
// for servers that echo the query back.
type Params []Param

// Add appends a parameter.
func (p *Params) Add(name, value string) {
	*p = append(*p, Param{Name: name, Value: value})
}

// Set replaces every parameter named name with a single value.
func (p *Params) Set(name, value string) {
	p.Del(name)
	p.Add(name, value)
}

// Del removes every parameter named name.
func (p *Params) Del(name string) {
	out := (*p)[:0]
	for _, param := range *p {
		if param.Name != name {
			out = append(out, param)
		}
	}
	*p = out
}

// Get returns the first value for name.
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return "", false
}

// Clone returns a copy that can be modified independently.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Encode renders the parameters as a query string using EncodeQueryElement.
func (p Params) Encode() string {
	return p.encode(EncodeQueryElement)
}

// EncodeForm renders the parameters as an application/x-www-form-urlencoded
// body using EncodeFormElement.
func (p Params) EncodeForm() string {
	return p.encode(EncodeFormElement)
}

func (p Params) encode(enc func(string) string) string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, param := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(enc(param.Name))
		b.WriteByte('=')
		b.WriteString(enc(param.Value))
	}
	return b.String()
}

// ParseQuery decodes a raw query string. A name without '=' yields an empty
// value.
func ParseQuery(raw string) (Params, error) {
	var out Params
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		dn, err := Decode(name)
		if err != nil {
			return nil, err
		}
		dv, err := Decode(value)
		if err != nil {
			return nil, err
		}
		out.Add(dn, dv)
	}
	return out, nil
}
