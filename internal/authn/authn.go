// Package authn issues the compact JWTs the verification service accepts:
// short-lived request tokens authenticating API calls and signed challenge
// answers. Both are signed with the factor's own key pair.
package authn

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pushauth/internal/errs"
	"pushauth/internal/jwtsign"
	"pushauth/internal/keypair"
	"pushauth/internal/models"
)

// ContentType is the cty header of every token.
const ContentType = "twilio-pba;v=1"

// DefaultTokenTTL bounds the lifetime of request tokens.
const DefaultTokenTTL = 10 * time.Minute

// ErrMissingAlias is wrapped when a factor has no key pair alias.
var ErrMissingAlias = errors.New("authn: factor has no key pair alias")

// Provider signs tokens for factors.
type Provider struct {
	keys  *keypair.Manager
	clock *Clock
	ttl   time.Duration
}

// NewProvider returns a Provider. A nil clock uses the uncorrected system
// clock.
func NewProvider(keys *keypair.Manager, clock *Clock) *Provider {
	if clock == nil {
		clock = NewClock()
	}
	return &Provider{keys: keys, clock: clock, ttl: DefaultTokenTTL}
}

// Clock returns the clock tokens are stamped with.
func (p *Provider) Clock() *Clock {
	return p.clock
}

// Signer returns the existing signer for the factor's key pair.
func (p *Provider) Signer(f *models.Factor) (keypair.Signer, error) {
	if f == nil || f.KeyPairAlias == "" {
		return nil, errs.Input("authn.Signer", ErrMissingAlias)
	}
	return p.keys.Signer(keypair.ECTemplate(f.KeyPairAlias, true))
}

// RequestToken returns a token authenticating an API call made on behalf of
// the factor.
func (p *Provider) RequestToken(f *models.Factor) (string, error) {
	signer, err := p.Signer(f)
	if err != nil {
		return "", err
	}

	now := p.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   f.AccountSID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	return p.sign(f, signer, claims)
}

// ChallengePayload returns the signed answer to a challenge.
func (p *Provider) ChallengePayload(f *models.Factor, claims OrderedClaims) (string, error) {
	signer, err := p.Signer(f)
	if err != nil {
		return "", err
	}
	return p.sign(f, signer, claims)
}

func (p *Provider) sign(f *models.Factor, signer keypair.Signer, claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwtsign.SigningMethodES256, claims)
	token.Header["kid"] = f.Config.CredentialSID
	token.Header["cty"] = ContentType

	signed, err := token.SignedString(signer)
	if err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return "", err
		}
		return "", errs.KeyStore("authn.sign", err)
	}
	return signed, nil
}
