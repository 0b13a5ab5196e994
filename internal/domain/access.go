package domain

// AccessDecision is the outcome of the access policy for one inbound message.
type AccessDecision int

const (
	// AccessDenied is the zero value so an unset decision never lets a message through.
	AccessDenied AccessDecision = iota
	AccessAllowed
	// AccessChallengeIssued means the sender is not allowed yet and a pairing
	// request was issued (or refreshed) for them.
	AccessChallengeIssued
)

func (d AccessDecision) String() string {
	switch d {
	case AccessAllowed:
		return "allowed"
	case AccessChallengeIssued:
		return "challenge_issued"
	default:
		return "denied"
	}
}

// DM policy modes.
const (
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
	DMPolicyDisabled  = "disabled"
)

// Group policy modes.
const (
	GroupPolicyOpen     = "open"
	GroupPolicyDisabled = "disabled"
)

// AllowAll is the allowlist entry that matches every sender.
const AllowAll = "*"
