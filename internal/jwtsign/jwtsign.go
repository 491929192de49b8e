// Package jwtsign provides a jwt.SigningMethod that signs with a key held in
// the key store, so compact tokens can be produced without ever touching the
// private key.
package jwtsign

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// ES256 coordinate size in bytes.
const coordSize = 32

// Errors returned by the signing method.
var (
	ErrInvalidSigner    = errors.New("jwtsign: key is not a Signer")
	ErrInvalidSignature = errors.New("jwtsign: malformed signature")
)

// Signer is the key capability the method signs with. It returns and accepts
// ASN.1 DER ECDSA signatures over the raw message.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) (bool, error)
}

// SigningMethodES256 signs ES256 tokens through a Signer. The key passed to
// jwt.Token.SignedString must implement Signer.
var SigningMethodES256 jwt.SigningMethod = &signingMethod{}

type signingMethod struct{}

func (m *signingMethod) Alg() string { return "ES256" }

// Sign implements jwt.SigningMethod. JWS wants the raw r||s concatenation
// instead of DER.
func (m *signingMethod) Sign(signingString string, key any) ([]byte, error) {
	signer, ok := key.(Signer)
	if !ok {
		return nil, ErrInvalidSigner
	}
	der, err := signer.Sign([]byte(signingString))
	if err != nil {
		return nil, err
	}
	return derToRaw(der)
}

// Verify implements jwt.SigningMethod.
func (m *signingMethod) Verify(signingString string, sig []byte, key any) error {
	signer, ok := key.(Signer)
	if !ok {
		return ErrInvalidSigner
	}
	der, err := rawToDER(sig)
	if err != nil {
		return err
	}
	valid, err := signer.Verify([]byte(signingString), der)
	if err != nil {
		return err
	}
	if !valid {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

func derToRaw(der []byte) ([]byte, error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(rest) != 0 || sig.R == nil || sig.S == nil {
		return nil, ErrInvalidSignature
	}
	if sig.R.BitLen() > coordSize*8 || sig.S.BitLen() > coordSize*8 {
		return nil, ErrInvalidSignature
	}

	out := make([]byte, 2*coordSize)
	sig.R.FillBytes(out[:coordSize])
	sig.S.FillBytes(out[coordSize:])
	return out, nil
}

func rawToDER(raw []byte) ([]byte, error) {
	if len(raw) != 2*coordSize {
		return nil, ErrInvalidSignature
	}
	return asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:coordSize]),
		S: new(big.Int).SetBytes(raw[coordSize:]),
	})
}
