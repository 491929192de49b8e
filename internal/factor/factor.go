// Package factor manages the lifecycle of push factors: enrollment with the
// verification service, proof of key possession, configuration updates and
// deletion, keeping the local record store and the key store consistent.
package factor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-multierror"

	"pushauth/internal/api"
	"pushauth/internal/errs"
	"pushauth/internal/keypair"
	"pushauth/internal/mapper"
	"pushauth/internal/metrics"
	"pushauth/internal/models"
	"pushauth/internal/security"
)

// Sentinel errors wrapped inside factor failures.
var (
	ErrFactorNotFound    = errors.New("factor: not found")
	ErrEmptySID          = errors.New("factor: empty sid")
	ErrMissingAlias      = errors.New("factor: stored factor has no key pair alias")
	ErrNotPersisted      = errors.New("factor: created remotely but not stored locally")
	ErrServiceMismatch   = errors.New("factor: factor belongs to another service")
	ErrIncompletePayload = errors.New("factor: service, identity and access token are required")
)

// Manager coordinates the remote service, the local repository and the key
// pairs of factors.
type Manager struct {
	api     api.FactorAPI
	repo    Repository
	keys    *keypair.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Options configures a Manager.
type Options struct {
	API        api.FactorAPI
	Repository Repository
	Keys       *keypair.Manager
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:     opts.API,
		repo:    opts.Repository,
		keys:    opts.Keys,
		logger:  logger.With("component", "factor"),
		metrics: opts.Metrics,
	}
}

// Create enrolls the device as a new push factor. A fresh key pair is
// generated under a random alias; it is deleted again if enrollment or the
// local save fails.
func (m *Manager) Create(ctx context.Context, p models.CreateFactorPayload) (f *models.Factor, err error) {
	const op = "factor.Create"
	defer func() { m.metrics.Operation("factor", "create", err) }()

	if p.ServiceSID == "" || p.Identity == "" || p.AccessToken == "" {
		return nil, errs.Input(op, ErrIncompletePayload)
	}

	alias, err := security.RandomAlias()
	if err != nil {
		return nil, errs.KeyStore(op, err)
	}
	signer, err := m.keys.Signer(keypair.ECTemplate(alias, false))
	if err != nil {
		return nil, err
	}
	publicKey := base64.StdEncoding.EncodeToString(signer.PublicKey())

	body, err := m.api.CreateFactor(ctx, p, publicKey)
	if err != nil {
		return nil, m.discardKey(alias, err)
	}
	f, err = mapper.Factor(body)
	if err != nil {
		return nil, m.discardKey(alias, err)
	}
	f.KeyPairAlias = alias

	if err := m.repo.Save(f); err != nil {
		if derr := m.keys.DeleteKey(alias); derr != nil {
			return nil, derr
		}
		m.logger.Error("factor orphaned remotely", "sid", f.SID, "error", err)
		return nil, errs.WithCode(errs.KindKeyStore, op, errs.Code(err),
			fmt.Errorf("%w: factor %s is still registered with the service: %v", ErrNotPersisted, f.SID, err))
	}

	m.logger.Info("factor created", "sid", f.SID, "service", f.ServiceSID)
	return f, nil
}

// discardKey deletes a key pair generated for a failed enrollment. A failure
// to delete wins over the original error.
func (m *Manager) discardKey(alias string, cause error) error {
	if err := m.keys.DeleteKey(alias); err != nil {
		m.logger.Error("failed to delete key pair of failed enrollment", "cause", cause, "error", err)
		return err
	}
	return cause
}

// Verify proves possession of the factor key by signing the factor SID and
// stores the status the service reports back.
func (m *Manager) Verify(ctx context.Context, sid string) (f *models.Factor, err error) {
	const op = "factor.Verify"
	defer func() { m.metrics.Operation("factor", "verify", err) }()

	f, err = m.repo.Get(sid)
	if err != nil {
		return nil, err
	}
	if f.KeyPairAlias == "" {
		return nil, errs.Storage(op, fmt.Errorf("%w: %s", ErrMissingAlias, sid))
	}

	signer, err := m.keys.Signer(keypair.ECTemplate(f.KeyPairAlias, true))
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign([]byte(f.SID))
	if err != nil {
		return nil, err
	}

	body, err := m.api.VerifyFactor(ctx, f, base64.StdEncoding.EncodeToString(sig))
	if err != nil {
		return nil, err
	}
	remote, err := mapper.Factor(body)
	if err != nil {
		return nil, err
	}

	f.Status = remote.Status
	if err := m.repo.Save(f); err != nil {
		return nil, err
	}
	m.logger.Info("factor verified", "sid", f.SID, "status", f.Status)
	return f, nil
}

// Update changes the push configuration of a factor. The local key pair
// alias is kept.
func (m *Manager) Update(ctx context.Context, p models.UpdateFactorPayload) (f *models.Factor, err error) {
	defer func() { m.metrics.Operation("factor", "update", err) }()

	current, err := m.repo.Get(p.SID)
	if err != nil {
		return nil, err
	}
	if p.NotificationPlatform == "" {
		p.NotificationPlatform = current.Config.NotificationPlatform
	}

	body, err := m.api.UpdateFactor(ctx, current, p)
	if err != nil {
		return nil, err
	}
	f, err = mapper.Factor(body)
	if err != nil {
		return nil, err
	}
	f.KeyPairAlias = current.KeyPairAlias
	if f.Config.NotificationToken == "" {
		f.Config.NotificationToken = p.PushToken
	}

	if err := m.repo.Save(f); err != nil {
		return nil, err
	}
	m.logger.Debug("factor updated", "sid", f.SID)
	return f, nil
}

// Delete removes a factor remotely, then locally together with its key
// pair. Deleting a factor that is already gone succeeds.
func (m *Manager) Delete(ctx context.Context, sid string) (err error) {
	defer func() { m.metrics.Operation("factor", "delete", err) }()

	f, err := m.repo.Get(sid)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.api.DeleteFactor(ctx, f); err != nil && !remoteGone(err) {
		return err
	}
	if err := m.deleteLocal("factor.Delete", f); err != nil {
		return err
	}
	m.logger.Info("factor deleted", "sid", sid)
	return nil
}

// remoteGone reports whether the service no longer knows the factor. A 401
// counts only when the client already resent the request after a clock
// resync: the factor's credential has then been removed.
func remoteGone(err error) bool {
	if !errs.IsKind(err, errs.KindNetwork) {
		return false
	}
	switch errs.Code(err) {
	case http.StatusNotFound:
		return true
	case http.StatusUnauthorized:
		var apiErr *api.APIError
		return errors.As(err, &apiErr) && apiErr.Retried
	}
	return false
}

func (m *Manager) deleteLocal(op string, f *models.Factor) error {
	if err := m.repo.Delete(f.SID); err != nil {
		return err
	}
	if f.KeyPairAlias == "" {
		return errs.Storage(op, fmt.Errorf("%w: %s", ErrMissingAlias, f.SID))
	}
	return m.keys.DeleteKey(f.KeyPairAlias)
}

// Get returns a stored factor.
func (m *Manager) Get(sid string) (*models.Factor, error) {
	return m.repo.Get(sid)
}

// GetAll returns every stored factor.
func (m *Manager) GetAll() ([]*models.Factor, error) {
	factors, err := m.repo.GetAll()
	if err != nil {
		return nil, err
	}
	m.metrics.FactorsStored(len(factors))
	return factors, nil
}

// ValidateDelete checks that the stored factor sid belongs to serviceSID
// before a caller deletes it on the service's behalf.
func (m *Manager) ValidateDelete(sid, serviceSID string) error {
	f, err := m.repo.Get(sid)
	if err != nil {
		return err
	}
	if f.ServiceSID != serviceSID {
		return errs.Input("factor.ValidateDelete", fmt.Errorf("%w: %s", ErrServiceMismatch, sid))
	}
	return nil
}

// ClearLocalStorage deletes every stored factor and its key pair without
// contacting the service. If the factors cannot be listed the record store
// is cleared directly.
func (m *Manager) ClearLocalStorage() (err error) {
	const op = "factor.ClearLocalStorage"
	defer func() { m.metrics.Operation("factor", "clear_local", err) }()

	factors, err := m.repo.GetAll()
	if err != nil {
		m.logger.Warn("listing factors failed, clearing store", "error", err)
		if cerr := m.repo.Clear(); cerr != nil {
			return multierror.Append(err, cerr)
		}
		return nil
	}

	var result *multierror.Error
	for _, f := range factors {
		if err := m.deleteLocal(op, f); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.metrics.FactorsStored(0)
	return result.ErrorOrNil()
}
