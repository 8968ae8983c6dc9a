// Package token extracts tenant claims from bearer tokens.
//
// Claim extraction deliberately performs no signature verification: the
// reverse proxy in front of the store has already rejected requests with
// invalid signatures, and this subsystem only adds tenant scoping on top
// of the identity it established. See Verifier for the optional hardened
// mode.
package token

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Temirlaaan/DICOM-viewer/models"
)

// Claim names recognized in token payloads. Any other claim, or one of
// these with an unexpected shape, is ignored.
const (
	claimSubject   = "sub"
	claimUsername  = "preferred_username"
	claimRoles     = "roles"
	claimClinicIDs = "clinic_ids"
)

const bearerScheme = "bearer"

// Bearer returns the bearer token carried in the Authorization header.
// The scheme match is case-insensitive.
func Bearer(headers http.Header) (string, bool) {
	auth := headers.Get("Authorization")
	if auth == "" {
		return "", false
	}
	scheme, rest, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	raw := strings.TrimSpace(rest)
	if raw == "" {
		return "", false
	}
	return raw, true
}

// Extract locates a bearer token in the request headers and returns the
// claims it carries. Missing or malformed tokens yield zero Claims, never
// an error.
func Extract(headers http.Header) models.Claims {
	raw, ok := Bearer(headers)
	if !ok {
		return models.Claims{}
	}
	claims, _ := Parse(raw)
	return claims
}

// Parse decodes the payload of a compact JWT without verifying its
// signature and extracts the recognized claims. Tokens that do not have
// the three-part compact shape, or whose payload is not valid JSON, yield
// zero Claims and ok=false. Absence of a recognized claim in a decodable
// payload is not a failure.
func Parse(raw string) (models.Claims, bool) {
	payload := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, payload); err != nil {
		return models.Claims{}, false
	}

	var claims models.Claims
	if sub, ok := payload[claimSubject].(string); ok {
		claims.Subject = sub
	}
	if username, ok := payload[claimUsername].(string); ok {
		claims.Username = username
	}
	claims.Roles = stringList(payload[claimRoles])
	claims.ClinicIDs = stringList(payload[claimClinicIDs])
	return claims, true
}

// stringList accepts only a flat array of strings. Nested or mixed-type
// values yield nil rather than a partial result.
func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}
