// Package models contains data structures shared by the store hooks.
package models

// Claims holds the tenant-scoping claims extracted from a bearer token.
// A zero Claims value means no usable token data was present; absence of
// a claim is represented by an empty field, never by an error.
type Claims struct {
	Subject   string
	Username  string
	Roles     []string
	ClinicIDs []string
}

// HasRole reports whether the given role is present in the token.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasClinic reports whether the caller is a member of the given clinic.
func (c Claims) HasClinic(clinicID string) bool {
	for _, id := range c.ClinicIDs {
		if id == clinicID {
			return true
		}
	}
	return false
}

// Empty reports whether no claim data at all was extracted.
func (c Claims) Empty() bool {
	return c.Subject == "" && c.Username == "" && len(c.Roles) == 0 && len(c.ClinicIDs) == 0
}

// AuthorizationContext is the input to a single access decision. It is
// built once per request and never shared across requests.
type AuthorizationContext struct {
	Method   string
	URI      string
	SourceIP string
	Claims   Claims
}

// AuthorizationDecision is the outcome of one access decision. Reason is
// informal and used only for logging; callers see only Allow.
type AuthorizationDecision struct {
	Allow  bool
	Reason string
}
