// Package ratelimit enforces fixed-window request limits per user, per IP
// and, for password-reset flows, per IP and per email.
package ratelimit

import "time"

// Policy names, as reported in the X-RateLimit-Policy header.
const (
	PolicyPrivateTenant   = "PrivateTenant"
	PolicyNormalUser      = "NormalUser"
	PolicyUnauthenticated = "Unauthenticated"
	PolicyForgotPassword  = "ForgotPassword"
)

// Policy is a limit over a fixed window.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Policies is the full policy set applied by the middleware.
type Policies struct {
	PrivateTenant   Policy
	NormalUser      Policy
	Unauthenticated Policy
	ForgotPassword  Policy
}

// DefaultPolicies returns 500/min for private tenants, 100/min for normal
// users, 50/min per IP for anonymous callers and 5/hour for password resets.
func DefaultPolicies() Policies {
	return Policies{
		PrivateTenant:   Policy{Name: PolicyPrivateTenant, Limit: 500, Window: time.Minute},
		NormalUser:      Policy{Name: PolicyNormalUser, Limit: 100, Window: time.Minute},
		Unauthenticated: Policy{Name: PolicyUnauthenticated, Limit: 50, Window: time.Minute},
		ForgotPassword:  Policy{Name: PolicyForgotPassword, Limit: 5, Window: time.Hour},
	}
}

// KeyForUser returns the counter key of an authenticated caller.
func KeyForUser(email string) string {
	return "user:" + email
}

// KeyForIP returns the counter key of an anonymous caller.
func KeyForIP(ip string) string {
	return "ip:" + ip
}

// KeyForForgotIP returns the password-reset counter key of an IP.
func KeyForForgotIP(ip string) string {
	return "forgot:ip:" + ip
}

// KeyForForgotEmail returns the password-reset counter key of an email.
func KeyForForgotEmail(email string) string {
	return "forgot:email:" + email
}
