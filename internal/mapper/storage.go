package mapper

import (
	"encoding/json"
	"errors"
	"fmt"

	"pushauth/internal/errs"
	"pushauth/internal/models"
)

// ErrWrongFactorType is returned when a stored record is not a push factor.
var ErrWrongFactorType = errors.New("mapper: unsupported factor type")

// EncodeFactor encodes f for the record store.
func EncodeFactor(f *models.Factor) ([]byte, error) {
	if f == nil || f.SID == "" {
		return nil, errs.Mapper("mapper.EncodeFactor", fmt.Errorf("%w: factor without sid", ErrInvalidPayload))
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Mapper("mapper.EncodeFactor", err)
	}
	return data, nil
}

// DecodeFactor decodes a factor read from the record store.
func DecodeFactor(data []byte) (*models.Factor, error) {
	const op = "mapper.DecodeFactor"

	var f models.Factor
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.Mapper(op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if f.SID == "" {
		return nil, errs.Mapper(op, fmt.Errorf("%w: factor without sid", ErrInvalidPayload))
	}
	switch f.Type {
	case models.FactorTypePush:
	default:
		return nil, errs.Mapper(op, fmt.Errorf("%w: %q", ErrWrongFactorType, f.Type))
	}
	return &f, nil
}

// FactorKeyAlias returns the key pair alias of a stored factor record.
func FactorKeyAlias(data []byte) (string, error) {
	f, err := DecodeFactor(data)
	if err != nil {
		return "", err
	}
	return f.KeyPairAlias, nil
}
