// Package sdk wires the pushauth components together from a config.Config
// and exposes the factor and challenge operations behind one handle.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"pushauth/internal/api"
	"pushauth/internal/authn"
	"pushauth/internal/challenge"
	"pushauth/internal/config"
	"pushauth/internal/factor"
	"pushauth/internal/health"
	"pushauth/internal/keychain"
	"pushauth/internal/keypair"
	"pushauth/internal/keystore"
	"pushauth/internal/logging"
	"pushauth/internal/mapper"
	"pushauth/internal/metrics"
	"pushauth/internal/models"
	"pushauth/internal/security"
	"pushauth/internal/store"
	"pushauth/internal/tpm"
)

// Options carries the collaborators New does not build from config.
type Options struct {
	Logger *slog.Logger
	// Registerer receives the pushauth collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	HTTPClient *http.Client
	// Audit receives factor and challenge events. Nil disables auditing.
	Audit *logging.AuditLogger
	// Sealer protects the device secret. Nil selects one from config.
	Sealer tpm.Sealer
}

// SDK is an opened pushauth instance.
type SDK struct {
	cfg        *config.Config
	logger     *slog.Logger
	audit      *logging.AuditLogger
	keychain   *keychain.SQLiteKeychain
	store      *store.Store
	factors    *factor.Manager
	challenges *challenge.Manager
	clock      *authn.Clock
}

// New opens the key store and record store described by cfg, running any
// pending record migrations.
func New(cfg *config.Config, opts Options) (*SDK, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}

	cipher, err := recordCipher(cfg, opts.Sealer, logger)
	if err != nil {
		return nil, err
	}

	s := &SDK{cfg: cfg, logger: logger, audit: opts.Audit, clock: authn.NewClock()}
	opened := false
	defer func() {
		if !opened {
			s.Close()
		}
	}()

	s.keychain, err = keychain.Open(cfg.KeyStore.Path, cipher)
	if err != nil {
		return nil, err
	}
	keys := keystore.New(s.keychain, keystore.Options{
		AccessGroup:    cfg.Storage.AccessGroup,
		AllowMigration: cfg.KeyStore.AllowMigration,
		Attempts:       cfg.KeyStore.Attempts,
		RetryDelay:     cfg.RetryDelay(),
		Logger:         logger,
		Metrics:        m,
	})
	pairs := keypair.NewManager(keys, logger)

	host := store.HostApp
	if cfg.Storage.Extension {
		host = store.HostExtension
	}
	s.store, err = store.Open(store.Options{
		Path:             cfg.Storage.RecordsPath,
		SettingsPath:     cfg.Storage.SettingsPath,
		Namespace:        cfg.Storage.Namespace,
		AccessGroup:      cfg.Storage.AccessGroup,
		Cipher:           cipher,
		Migrations:       factor.Migrations(),
		HostContext:      host,
		ClearOnReinstall: cfg.Storage.ClearOnReinstall,
		Keys:             keys,
		PairedKey:        mapper.FactorKeyAlias,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return nil, err
	}

	tokens := authn.NewProvider(pairs, s.clock)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout()}
	}
	client, err := api.NewClient(api.Options{
		BaseURL:    cfg.Service.BaseURL,
		HTTPClient: httpClient,
		Tokens:     tokens,
		Clock:      s.clock,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	s.factors = factor.NewManager(factor.Options{
		API:        client,
		Repository: factor.NewRepository(s.store, logger),
		Keys:       pairs,
		Logger:     logger,
		Metrics:    m,
	})
	s.challenges = challenge.NewManager(challenge.Options{
		API:     client,
		Signer:  tokens,
		Logger:  logger,
		Metrics: m,
	})
	opened = true
	return s, nil
}

func recordCipher(cfg *config.Config, sealer tpm.Sealer, logger *slog.Logger) (*security.RecordCipher, error) {
	if sealer == nil {
		dir := filepath.Dir(cfg.Storage.SecretPath)
		var err error
		if cfg.Hardware.TPMEnabled {
			sealer, err = tpm.Detect(dir)
		} else {
			sealer, err = tpm.NewSoftwareSealer(filepath.Join(dir, "kek"))
		}
		if err != nil {
			return nil, fmt.Errorf("open sealer: %w", err)
		}
		defer sealer.Close()
	}
	logger.Debug("device secret sealer selected", "sealer", sealer.Name())

	secret, err := tpm.LoadOrCreateDeviceSecret(cfg.Storage.SecretPath, sealer)
	if err != nil {
		return nil, err
	}
	var cipher *security.RecordCipher
	err = security.GuardedExec(secret, func(key []byte) error {
		var err error
		cipher, err = security.NewRecordCipher(key)
		return err
	})
	return cipher, err
}

// Close releases the record store and key store.
func (s *SDK) Close() error {
	var result *multierror.Error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.keychain != nil {
		if err := s.keychain.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// RegisterHealth adds checks for the record store, key store and device
// secret to c.
func (s *SDK) RegisterHealth(c *health.Checker) {
	c.RegisterFunc("records", true, health.PingCheck(s.store.Ping))
	c.RegisterFunc("keychain", true, health.PingCheck(s.keychain.Ping))
	c.RegisterFunc("device_secret", true, health.FileExistsCheck(s.cfg.Storage.SecretPath))
}

// Config returns the configuration the SDK was opened with.
func (s *SDK) Config() *config.Config {
	return s.cfg
}

// Clock returns the server-synchronized clock.
func (s *SDK) Clock() *authn.Clock {
	return s.clock
}

// CreateFactor enrolls this device as a push factor.
func (s *SDK) CreateFactor(ctx context.Context, p models.CreateFactorPayload) (*models.Factor, error) {
	f, err := s.factors.Create(ctx, p)
	resource := ""
	details := map[string]string{"service_sid": p.ServiceSID}
	if f != nil {
		resource = f.SID
		details["status"] = string(f.Status)
	}
	s.record(ctx, logging.AuditFactorCreated, resource, err, details)
	return f, err
}

// VerifyFactor proves possession of the factor key to the service.
func (s *SDK) VerifyFactor(ctx context.Context, p models.VerifyFactorPayload) (*models.Factor, error) {
	f, err := s.factors.Verify(ctx, p.SID)
	details := map[string]string{}
	if f != nil {
		details["status"] = string(f.Status)
	}
	s.record(ctx, logging.AuditFactorVerified, p.SID, err, details)
	return f, err
}

// UpdateFactor changes the push configuration of a factor.
func (s *SDK) UpdateFactor(ctx context.Context, p models.UpdateFactorPayload) (*models.Factor, error) {
	f, err := s.factors.Update(ctx, p)
	s.record(ctx, logging.AuditFactorUpdated, p.SID, err, map[string]string{"platform": string(p.NotificationPlatform)})
	return f, err
}

// DeleteFactor removes a factor remotely and locally. Deleting an unknown
// factor succeeds.
func (s *SDK) DeleteFactor(ctx context.Context, sid string) error {
	err := s.factors.Delete(ctx, sid)
	s.record(ctx, logging.AuditFactorDeleted, sid, err, nil)
	return err
}

// ValidateDelete checks that the factor sid belongs to serviceSID before
// a caller deletes it on behalf of that service.
func (s *SDK) ValidateDelete(sid, serviceSID string) error {
	return s.factors.ValidateDelete(sid, serviceSID)
}

// GetFactor returns a stored factor.
func (s *SDK) GetFactor(sid string) (*models.Factor, error) {
	return s.factors.Get(sid)
}

// GetAllFactors returns every stored factor.
func (s *SDK) GetAllFactors() ([]*models.Factor, error) {
	return s.factors.GetAll()
}

// ClearLocalStorage deletes every local factor and key without contacting
// the service.
func (s *SDK) ClearLocalStorage(ctx context.Context) error {
	err := s.factors.ClearLocalStorage()
	s.record(ctx, logging.AuditStorageCleared, "", err, nil)
	return err
}

// GetChallenge fetches a challenge of the factor factorSID.
func (s *SDK) GetChallenge(ctx context.Context, sid, factorSID string) (*models.Challenge, error) {
	f, err := s.factors.Get(factorSID)
	if err != nil {
		return nil, err
	}
	return s.challenges.Get(ctx, sid, f)
}

// GetAllChallenges lists challenges of the factor named by p.FactorSID.
func (s *SDK) GetAllChallenges(ctx context.Context, p models.ChallengeListPayload) (*models.ChallengeList, error) {
	f, err := s.factors.Get(p.FactorSID)
	if err != nil {
		return nil, err
	}
	return s.challenges.GetAll(ctx, f, p)
}

// UpdateChallenge answers a pending challenge with status.
func (s *SDK) UpdateChallenge(ctx context.Context, sid, factorSID string, status models.ChallengeStatus) error {
	f, err := s.factors.Get(factorSID)
	if err == nil {
		err = s.challenges.Update(ctx, sid, f, status)
	}
	s.record(ctx, logging.AuditChallengeAnswered, sid, err, map[string]string{
		"factor_sid": factorSID,
		"status":     string(status),
	})
	return err
}

// MoveToAccessGroup relocates every factor and its key into group. Records
// and keys, including keys created later, live in group afterwards until the
// SDK is reopened; persist the new group in the config to keep it.
func (s *SDK) MoveToAccessGroup(ctx context.Context, group string) error {
	if group == "" {
		return errors.New("sdk: access group is required")
	}
	err := s.store.MoveToAccessGroup(group)
	s.record(ctx, logging.AuditStorageMoved, group, err, map[string]string{"direction": "to"})
	return err
}

// MoveFromAccessGroup relocates every factor and its key from group back
// into the default partition, where later lookups then go.
func (s *SDK) MoveFromAccessGroup(ctx context.Context, group string) error {
	if group == "" {
		return errors.New("sdk: access group is required")
	}
	err := s.store.MoveFromAccessGroup(group)
	s.record(ctx, logging.AuditStorageMoved, group, err, map[string]string{"direction": "from"})
	return err
}

func (s *SDK) record(ctx context.Context, event logging.AuditEventType, resource string, err error, details map[string]string) {
	if aerr := s.audit.Record(ctx, event, resource, err, details); aerr != nil {
		s.logger.Warn("audit event dropped", "event", event, "error", aerr)
	}
}
