package factor

import (
	"errors"
	"fmt"
	"log/slog"

	"pushauth/internal/errs"
	"pushauth/internal/mapper"
	"pushauth/internal/models"
	"pushauth/internal/store"
)

// Repository persists factors locally, keyed by SID.
type Repository interface {
	Get(sid string) (*models.Factor, error)
	GetAll() ([]*models.Factor, error)
	Save(f *models.Factor) error
	Delete(sid string) error
	Clear() error
}

// StoreRepository keeps factors in the encrypted record store.
type StoreRepository struct {
	store  *store.Store
	logger *slog.Logger
}

var _ Repository = (*StoreRepository)(nil)

// NewRepository returns a Repository over s.
func NewRepository(s *store.Store, logger *slog.Logger) *StoreRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRepository{store: s, logger: logger.With("component", "factor_repository")}
}

// Get returns the factor stored under sid. A missing factor wraps
// ErrFactorNotFound.
func (r *StoreRepository) Get(sid string) (*models.Factor, error) {
	const op = "factor.Repository.Get"
	if sid == "" {
		return nil, errs.Input(op, ErrEmptySID)
	}
	data, err := r.store.Get(sid)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, errs.Storage(op, fmt.Errorf("%w: %s", ErrFactorNotFound, sid))
	}
	if err != nil {
		return nil, err
	}
	return mapper.DecodeFactor(data)
}

// GetAll returns every stored factor. Records that do not decode as push
// factors are skipped.
func (r *StoreRepository) GetAll() ([]*models.Factor, error) {
	records, err := r.store.GetAll()
	if err != nil {
		return nil, err
	}
	factors := make([]*models.Factor, 0, len(records))
	for _, rec := range records {
		f, err := mapper.DecodeFactor(rec.Value)
		if err != nil {
			r.logger.Warn("skipping undecodable factor record", "key", rec.Key, "error", err)
			continue
		}
		factors = append(factors, f)
	}
	return factors, nil
}

// Save stores f under its SID.
func (r *StoreRepository) Save(f *models.Factor) error {
	data, err := mapper.EncodeFactor(f)
	if err != nil {
		return err
	}
	return r.store.Save(f.SID, data)
}

// Delete removes the factor stored under sid. A missing factor is success.
func (r *StoreRepository) Delete(sid string) error {
	return r.store.Remove(sid)
}

// Clear removes every stored factor.
func (r *StoreRepository) Clear() error {
	return r.store.Clear()
}

// IsNotFound reports whether err was caused by a missing factor.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFactorNotFound)
}
