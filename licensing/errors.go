package licensing

import "errors"

var (
	// ErrRevoked means the license was revoked; reinstatement requires a
	// new purchase.
	ErrRevoked = errors.New("license is revoked")
	// ErrExpired means the license is past its expiry.
	ErrExpired = errors.New("license is expired")
	// ErrNotMetered means the license has no execution entitlement; its
	// SKU is not execute-only and metering does not apply.
	ErrNotMetered = errors.New("license is not metered")
	// ErrExhausted means no runs remain. Remediation is buying more runs,
	// not retrying checkout, so it is surfaced distinctly.
	ErrExhausted = errors.New("no execution entitlements remaining")
)
