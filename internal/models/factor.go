// Package models holds the factor and challenge data types shared by the
// pushauth components.
package models

import "time"

// FactorType discriminates factor variants.
type FactorType string

// FactorTypePush is the only variant: a device receiving push challenges.
const FactorTypePush FactorType = "push"

// FactorStatus is the verification state of a factor.
type FactorStatus string

const (
	FactorUnverified FactorStatus = "unverified"
	FactorVerified   FactorStatus = "verified"
)

// NotificationPlatform names the push delivery channel.
type NotificationPlatform string

const (
	PlatformAPN  NotificationPlatform = "apn"
	PlatformFCM  NotificationPlatform = "fcm"
	PlatformNone NotificationPlatform = "none"
)

// FactorConfig is the server-side configuration of a push factor.
type FactorConfig struct {
	CredentialSID        string               `json:"credential_sid"`
	NotificationPlatform NotificationPlatform `json:"notification_platform,omitempty"`
	NotificationToken    string               `json:"notification_token,omitempty"`
}

// Factor is a device enrolled as an authentication factor. SID is assigned
// by the server and never changes. KeyPairAlias is empty until the factor
// has been stamped with its local key pair.
type Factor struct {
	Type         FactorType        `json:"type"`
	SID          string            `json:"sid"`
	FriendlyName string            `json:"friendly_name"`
	AccountSID   string            `json:"account_sid"`
	ServiceSID   string            `json:"service_sid"`
	Identity     string            `json:"identity"`
	Status       FactorStatus      `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	Config       FactorConfig      `json:"config"`
	KeyPairAlias string            `json:"key_pair_alias,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsPush reports whether f is a push factor.
func (f *Factor) IsPush() bool {
	return f.Type == FactorTypePush
}

// CreateFactorPayload is what a caller supplies to enroll a device.
type CreateFactorPayload struct {
	FriendlyName         string
	ServiceSID           string
	Identity             string
	NotificationPlatform NotificationPlatform
	PushToken            string
	// AccessToken is the enrollment JWT issued by the caller's backend.
	AccessToken string
	Metadata    map[string]string
}

// UpdateFactorPayload changes the push configuration of a factor.
type UpdateFactorPayload struct {
	SID                  string
	NotificationPlatform NotificationPlatform
	PushToken            string
}

// VerifyFactorPayload identifies a factor to verify.
type VerifyFactorPayload struct {
	SID string
}
