package authn

import (
	"bytes"
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// Claim is one named value of OrderedClaims.
type Claim struct {
	Name  string
	Value any
}

// OrderedClaims encodes to a JSON object whose members keep insertion order.
// Challenge answers sign the fields in the exact order the server listed.
type OrderedClaims []Claim

var _ jwt.Claims = OrderedClaims(nil)

// MarshalJSON implements json.Marshaler.
func (c OrderedClaims) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, claim := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(claim.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(claim.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value of the first claim named name.
func (c OrderedClaims) Get(name string) (any, bool) {
	for _, claim := range c {
		if claim.Name == name {
			return claim.Value, true
		}
	}
	return nil, false
}

func (c OrderedClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (c OrderedClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (c OrderedClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c OrderedClaims) GetIssuer() (string, error)                   { return "", nil }
func (c OrderedClaims) GetSubject() (string, error)                  { return "", nil }
func (c OrderedClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }
