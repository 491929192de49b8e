package models

import "time"

// ChallengeStatus is the state of a challenge. Only pending challenges can
// be answered; expired is set by the server alone.
type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeApproved ChallengeStatus = "approved"
	ChallengeDenied   ChallengeStatus = "denied"
	ChallengeExpired  ChallengeStatus = "expired"
)

// IsAnswer reports whether s can be requested by the device.
func (s ChallengeStatus) IsAnswer() bool {
	return s == ChallengeApproved || s == ChallengeDenied
}

// Detail is one labelled field shown to the user.
type Detail struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ChallengeDetails is the human readable part of a challenge.
type ChallengeDetails struct {
	Message string     `json:"message"`
	Fields  []Detail   `json:"fields,omitempty"`
	Date    *time.Time `json:"date,omitempty"`
}

// Challenge is a server request for the device to approve or deny an
// action. Response and SignatureFields are only set while pending.
type Challenge struct {
	SID            string            `json:"sid"`
	FactorSID      string            `json:"factor_sid"`
	Status         ChallengeStatus   `json:"status"`
	Details        ChallengeDetails  `json:"details"`
	HiddenDetails  map[string]string `json:"hidden_details,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpirationDate time.Time         `json:"expiration_date"`

	Response        map[string]any `json:"-"`
	SignatureFields []string       `json:"-"`
}

// ChallengeListMetadata pages a challenge listing.
type ChallengeListMetadata struct {
	Page              int    `json:"page"`
	PageSize          int    `json:"page_size"`
	PreviousPageToken string `json:"previous_page_token,omitempty"`
	NextPageToken     string `json:"next_page_token,omitempty"`
}

// ChallengeList is one page of challenges for a factor.
type ChallengeList struct {
	Challenges []Challenge
	Metadata   ChallengeListMetadata
}

// ChallengeListPayload selects a page of challenges.
type ChallengeListPayload struct {
	FactorSID string
	PageSize  int
	Status    ChallengeStatus
	PageToken string
	// Order is "asc" or "desc" by creation date.
	Order string
}
