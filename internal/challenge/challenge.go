// Package challenge fetches push challenges and answers them with a payload
// signed by the factor key. The signed claims are the response fields the
// server lists in its signature header, in that order, followed by the
// requested status.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pushauth/internal/api"
	"pushauth/internal/authn"
	"pushauth/internal/errs"
	"pushauth/internal/mapper"
	"pushauth/internal/metrics"
	"pushauth/internal/models"
)

// Sentinel errors wrapped inside challenge failures.
var (
	ErrAlreadyUpdated    = errors.New("challenge: already updated")
	ErrUpdateNotApplied  = errors.New("challenge: status was not updated")
	ErrInvalidStatus     = errors.New("challenge: status must be approved or denied")
	ErrWrongFactor       = errors.New("challenge: challenge belongs to another factor")
	ErrNoSignatureFields = errors.New("challenge: no signature fields in response")
	ErrMissingField      = errors.New("challenge: signature field missing from response")
	ErrEmptySID          = errors.New("challenge: empty sid")
	ErrMissingFactor     = errors.New("challenge: factor is required")
)

// statusClaim is appended after the signature fields.
const statusClaim = "status"

// PayloadSigner signs challenge answers with a factor key.
type PayloadSigner interface {
	ChallengePayload(f *models.Factor, claims authn.OrderedClaims) (string, error)
}

// Options configures a Manager.
type Options struct {
	API    api.ChallengeAPI
	Signer  PayloadSigner
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager reads and answers challenges.
type Manager struct {
	api     api.ChallengeAPI
	signer  PayloadSigner
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:     opts.API,
		signer:  opts.Signer,
		logger:  logger.With("component", "challenge"),
		metrics: opts.Metrics,
	}
}

// Get fetches a challenge of factor. Pending challenges carry the data
// needed to answer them.
func (m *Manager) Get(ctx context.Context, sid string, factor *models.Factor) (*models.Challenge, error) {
	const op = "challenge.Get"
	if sid == "" {
		return nil, errs.Input(op, ErrEmptySID)
	}
	if factor == nil {
		return nil, errs.Input(op, ErrMissingFactor)
	}

	res, err := m.api.GetChallenge(ctx, sid, factor)
	if err != nil {
		return nil, err
	}
	c, err := mapper.Challenge(res.Body, res.Header.Get(mapper.SignatureFieldsHeader))
	if err != nil {
		return nil, err
	}
	if c.FactorSID != factor.SID {
		return nil, errs.Input(op, fmt.Errorf("%w: %s", ErrWrongFactor, sid))
	}
	return c, nil
}

// GetAll fetches one page of challenges for factor.
func (m *Manager) GetAll(ctx context.Context, factor *models.Factor, p models.ChallengeListPayload) (*models.ChallengeList, error) {
	const op = "challenge.GetAll"
	if factor == nil {
		return nil, errs.Input(op, ErrMissingFactor)
	}
	if p.FactorSID == "" {
		p.FactorSID = factor.SID
	}
	if p.FactorSID != factor.SID {
		return nil, errs.Input(op, ErrWrongFactor)
	}

	body, err := m.api.GetChallenges(ctx, factor, p)
	if err != nil {
		return nil, err
	}
	return mapper.ChallengeList(body)
}

// Update approves or denies a pending challenge. The challenge is fetched
// fresh, answered and fetched again to confirm the server applied status.
func (m *Manager) Update(ctx context.Context, sid string, factor *models.Factor, status models.ChallengeStatus) (err error) {
	const op = "challenge.Update"
	defer func() { m.metrics.Operation("challenge", "update", err) }()

	if !status.IsAnswer() {
		return errs.Input(op, fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	c, err := m.Get(ctx, sid, factor)
	if err != nil {
		return err
	}
	// The server decides expiry; a pending challenge is answerable.
	if c.Status != models.ChallengePending {
		return errs.Input(op, fmt.Errorf("%w: %s is %s", ErrAlreadyUpdated, sid, c.Status))
	}
	if factor.KeyPairAlias == "" {
		return errs.Input(op, authn.ErrMissingAlias)
	}

	claims, err := signedClaims(c, status)
	if err != nil {
		return errs.Input(op, err)
	}
	payload, err := m.signer.ChallengePayload(factor, claims)
	if err != nil {
		return err
	}

	if err := m.api.UpdateChallenge(ctx, c, factor, payload); err != nil {
		return err
	}

	// The answer is already submitted; confirm it even if ctx is cancelled.
	after, err := m.Get(context.WithoutCancel(ctx), sid, factor)
	if err != nil {
		return err
	}
	if after.Status != status {
		return errs.Network(op, fmt.Errorf("%w: want %s, got %s", ErrUpdateNotApplied, status, after.Status))
	}
	m.logger.Info("challenge answered", "sid", sid, "factor", factor.SID, "status", status)
	return nil
}

func signedClaims(c *models.Challenge, status models.ChallengeStatus) (authn.OrderedClaims, error) {
	if len(c.SignatureFields) == 0 || len(c.Response) == 0 {
		return nil, ErrNoSignatureFields
	}
	claims := make(authn.OrderedClaims, 0, len(c.SignatureFields)+1)
	for _, name := range c.SignatureFields {
		value, ok := c.Response[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		claims = append(claims, authn.Claim{Name: name, Value: value})
	}
	return append(claims, authn.Claim{Name: statusClaim, Value: string(status)}), nil
}
