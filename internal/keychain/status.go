package keychain

import "fmt"

// Status is a platform key store result code. Values follow the OSStatus
// codes of the Apple Security framework so that diagnostics line up across
// platforms.
type Status int32

// Known status codes.
const (
	StatusSuccess               Status = 0
	StatusUnimplemented         Status = -4
	StatusParam                 Status = -50
	StatusAllocate              Status = -108
	StatusAuthFailed            Status = -25293
	StatusDuplicateItem         Status = -25299
	StatusItemNotFound          Status = -25300
	StatusInteractionNotAllowed Status = -25308
	StatusDecode                Status = -26275
	StatusMissingEntitlement    Status = -34018
	StatusVerifyFailed          Status = -67808
	StatusInvalidKeyRef         Status = -67712
	StatusNotAvailable          Status = -25291
)

var statusText = map[Status]string{
	StatusSuccess:               "success",
	StatusUnimplemented:         "function or operation not implemented",
	StatusParam:                 "one or more parameters passed to a function were not valid",
	StatusAllocate:              "failed to allocate memory",
	StatusAuthFailed:            "the user name or passphrase you entered is not correct",
	StatusDuplicateItem:         "the specified item already exists in the keychain",
	StatusItemNotFound:          "the specified item could not be found in the keychain",
	StatusInteractionNotAllowed: "user interaction is not allowed",
	StatusDecode:                "unable to decode the provided data",
	StatusMissingEntitlement:    "a required entitlement is missing",
	StatusVerifyFailed:          "a cryptographic verification failure has occurred",
	StatusInvalidKeyRef:         "a key reference was not valid",
	StatusNotAvailable:          "no keychain is available",
}

// Error implements error so a Status can travel inside wrapped errors and be
// matched with errors.Is.
func (s Status) Error() string {
	if text, ok := statusText[s]; ok {
		return fmt.Sprintf("keychain status %d: %s", int32(s), text)
	}
	return fmt.Sprintf("keychain status %d", int32(s))
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// Transient reports whether the call may succeed if repeated shortly after,
// typically because the device was locked.
func (s Status) Transient() bool {
	return s == StatusInteractionNotAllowed || s == StatusNotAvailable
}
