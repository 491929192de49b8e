// Package mapper decodes verification service payloads into models and
// encodes factors for the local record store. Every payload is validated
// against an embedded JSON schema before it is decoded; any mismatch is a
// mapper error.
package mapper

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pushauth/internal/errs"
	"pushauth/internal/models"
)

//go:embed schema/*.json
var schemaFS embed.FS

const schemaBase = "https://schemas.pushauth.dev/"

// Schema names.
const (
	SchemaFactor        = "factor.schema.json"
	SchemaChallenge     = "challenge.schema.json"
	SchemaChallengeList = "challenge-list.schema.json"
)

// SignatureFieldsHeader carries the ordered, comma separated names of the
// response fields a challenge answer must sign.
const SignatureFieldsHeader = "Twilio-Verify-Signature-Fields"

// ErrInvalidPayload is wrapped by every decode failure.
var ErrInvalidPayload = errors.New("mapper: invalid payload")

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true

		entries, err := schemaFS.ReadDir("schema")
		if err != nil {
			compileErr = err
			return
		}
		for _, e := range entries {
			data, err := schemaFS.ReadFile(path.Join("schema", e.Name()))
			if err != nil {
				compileErr = err
				return
			}
			if err := compiler.AddResource(schemaBase+e.Name(), bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", e.Name(), err)
				return
			}
		}

		compiled = make(map[string]*jsonschema.Schema)
		for _, name := range []string{SchemaFactor, SchemaChallenge, SchemaChallengeList} {
			s, err := compiler.Compile(schemaBase + name)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[name] = s
		}
	})
	return compiled, compileErr
}

// Validate checks data against the named schema.
func Validate(name string, data []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	s, ok := all[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type factorResponse struct {
	SID            string              `json:"sid"`
	FriendlyName   string              `json:"friendly_name"`
	AccountSID     string              `json:"account_sid"`
	ServiceSID     string              `json:"service_sid"`
	Identity       string              `json:"identity"`
	EntityIdentity string              `json:"entity_identity"`
	Status         models.FactorStatus `json:"status"`
	DateCreated    string              `json:"date_created"`
	Config         models.FactorConfig `json:"config"`
	Metadata       map[string]string   `json:"metadata"`
}

// Factor decodes a factor returned by the service.
func Factor(data []byte) (*models.Factor, error) {
	const op = "mapper.Factor"
	if err := Validate(SchemaFactor, data); err != nil {
		return nil, errs.Mapper(op, err)
	}

	var r factorResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Mapper(op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	created, err := parseDate(r.DateCreated)
	if err != nil {
		return nil, errs.Mapper(op, err)
	}

	identity := r.Identity
	if identity == "" {
		identity = r.EntityIdentity
	}
	return &models.Factor{
		Type:         models.FactorTypePush,
		SID:          r.SID,
		FriendlyName: r.FriendlyName,
		AccountSID:   r.AccountSID,
		ServiceSID:   r.ServiceSID,
		Identity:     identity,
		Status:       r.Status,
		CreatedAt:    created,
		Config:       r.Config,
		Metadata:     r.Metadata,
	}, nil
}

type challengeResponse struct {
	SID            string                 `json:"sid"`
	FactorSID      string                 `json:"factor_sid"`
	Status         models.ChallengeStatus `json:"status"`
	Details        string                 `json:"details"`
	HiddenDetails  *string                `json:"hidden_details"`
	DateCreated    string                 `json:"date_created"`
	DateUpdated    string                 `json:"date_updated"`
	ExpirationDate string                 `json:"expiration_date"`
}

type challengeDetails struct {
	Message string          `json:"message"`
	Fields  []models.Detail `json:"fields"`
	Date    string          `json:"date"`
}

// Challenge decodes a challenge returned by the service. signatureFields is
// the raw SignatureFieldsHeader value; it and the raw response are kept only
// for pending challenges.
func Challenge(data []byte, signatureFields string) (*models.Challenge, error) {
	const op = "mapper.Challenge"
	if err := Validate(SchemaChallenge, data); err != nil {
		return nil, errs.Mapper(op, err)
	}

	var r challengeResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Mapper(op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	c, err := challengeFromResponse(r)
	if err != nil {
		return nil, errs.Mapper(op, err)
	}

	if c.Status == models.ChallengePending {
		c.SignatureFields = splitFields(signatureFields)
		if len(c.SignatureFields) > 0 {
			// Numbers stay json.Number so signed claims echo the server's
			// exact text.
			var raw map[string]any
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			if err := dec.Decode(&raw); err != nil {
				return nil, errs.Mapper(op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
			}
			c.Response = raw
		}
	}
	return c, nil
}

type challengeListResponse struct {
	Challenges []challengeResponse `json:"challenges"`
	Meta       struct {
		Page            int     `json:"page"`
		PageSize        int     `json:"page_size"`
		PreviousPageURL *string `json:"previous_page_url"`
		NextPageURL     *string `json:"next_page_url"`
	} `json:"meta"`
}

// ChallengeList decodes a page of challenges. Listed challenges never carry
// signature fields, so they cannot be answered without a fresh fetch.
func ChallengeList(data []byte) (*models.ChallengeList, error) {
	const op = "mapper.ChallengeList"
	if err := Validate(SchemaChallengeList, data); err != nil {
		return nil, errs.Mapper(op, err)
	}

	var r challengeListResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Mapper(op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}

	list := &models.ChallengeList{
		Challenges: make([]models.Challenge, 0, len(r.Challenges)),
		Metadata: models.ChallengeListMetadata{
			Page:              r.Meta.Page,
			PageSize:          r.Meta.PageSize,
			PreviousPageToken: pageToken(r.Meta.PreviousPageURL),
			NextPageToken:     pageToken(r.Meta.NextPageURL),
		},
	}
	for _, cr := range r.Challenges {
		c, err := challengeFromResponse(cr)
		if err != nil {
			return nil, errs.Mapper(op, err)
		}
		list.Challenges = append(list.Challenges, *c)
	}
	return list, nil
}

func challengeFromResponse(r challengeResponse) (*models.Challenge, error) {
	var details challengeDetails
	if err := json.Unmarshal([]byte(r.Details), &details); err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrInvalidPayload, err)
	}

	c := &models.Challenge{
		SID:       r.SID,
		FactorSID: r.FactorSID,
		Status:    r.Status,
		Details: models.ChallengeDetails{
			Message: details.Message,
			Fields:  details.Fields,
		},
	}
	if details.Date != "" {
		d, err := parseDate(details.Date)
		if err != nil {
			return nil, err
		}
		c.Details.Date = &d
	}
	if r.HiddenDetails != nil && *r.HiddenDetails != "" {
		if err := json.Unmarshal([]byte(*r.HiddenDetails), &c.HiddenDetails); err != nil {
			return nil, fmt.Errorf("%w: hidden details: %v", ErrInvalidPayload, err)
		}
	}

	var err error
	if c.CreatedAt, err = parseDate(r.DateCreated); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseDate(r.DateUpdated); err != nil {
		return nil, err
	}
	if c.ExpirationDate, err = parseDate(r.ExpirationDate); err != nil {
		return nil, err
	}
	return c, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidPayload, s, err)
	}
	return t, nil
}

func splitFields(header string) []string {
	var out []string
	for _, f := range strings.Split(header, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func pageToken(pageURL *string) string {
	if pageURL == nil || *pageURL == "" {
		return ""
	}
	u, err := url.Parse(*pageURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("PageToken")
}
