// Package api talks to the remote verification service. FactorAPI and
// ChallengeAPI are the seams the factor and challenge managers depend on;
// Client is the HTTP implementation.
package api

import (
	"context"
	"fmt"
	"net/http"

	"pushauth/internal/models"
)

// Response is a raw service response. Header is kept because challenge
// answers need the signature field list it carries.
type Response struct {
	Body   []byte
	Header http.Header
}

// FactorAPI manages factors on the service.
type FactorAPI interface {
	// CreateFactor enrolls a factor bound to publicKey (base64 DER).
	CreateFactor(ctx context.Context, payload models.CreateFactorPayload, publicKey string) ([]byte, error)
	// VerifyFactor proves possession of the factor key with authPayload.
	VerifyFactor(ctx context.Context, factor *models.Factor, authPayload string) ([]byte, error)
	UpdateFactor(ctx context.Context, factor *models.Factor, payload models.UpdateFactorPayload) ([]byte, error)
	DeleteFactor(ctx context.Context, factor *models.Factor) error
}

// ChallengeAPI reads and answers challenges.
type ChallengeAPI interface {
	GetChallenge(ctx context.Context, sid string, factor *models.Factor) (Response, error)
	GetChallenges(ctx context.Context, factor *models.Factor, payload models.ChallengeListPayload) ([]byte, error)
	// UpdateChallenge submits a signed challenge answer.
	UpdateChallenge(ctx context.Context, challenge *models.Challenge, factor *models.Factor, authPayload string) error
}

// APIError is the error body returned by the service.
type APIError struct {
	Status   int    `json:"status"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`

	// Retried is set when the request was already resent once after a
	// clock resync.
	Retried bool `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("verification service returned %d", e.Status)
	}
	if e.Code != 0 {
		return fmt.Sprintf("verification service returned %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("verification service returned %d: %s", e.Status, e.Message)
}
