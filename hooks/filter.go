package hooks

import (
	"context"
	"net/http"
	"strings"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/models"
	"github.com/Temirlaaan/DICOM-viewer/token"
)

// Decision reasons, recorded in audit lines and metrics labels.
const (
	reasonAllowlisted     = "allowlisted"
	reasonNoToken         = "no_token"
	reasonUnparsableToken = "unparsable_token"
	reasonAdminRole       = "admin_role"
	reasonTenantUnknown   = "tenant_unknown"
	reasonTenantMember    = "tenant_member"
	reasonTenantMismatch  = "tenant_mismatch"
	reasonUnscoped        = "unscoped"
	reasonFilterPanic     = "filter_panic"
)

// Endpoints every caller may reach regardless of tenant claims.
var (
	allowlistExact = map[string]bool{
		"/":        true,
		"/system":  true,
		"/metrics": true,
		"/health":  true,
		"/ready":   true,
	}
	allowlistPrefixes = []string{"/app/"}
)

// RequestFilter is called by the host before every request; returning
// false aborts it. The token signature is assumed to have been verified
// by the upstream proxy, so missing or unreadable token data fails open:
// this filter only adds tenant scoping on top of an established identity.
func (h *Hooks) RequestFilter(method, uri, sourceIP, username string, headers http.Header) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			h.authLog.Warn("filter panic recovered", audit.Fields{"uri": uri, "panic": r})
			h.countDecision(true, reasonFilterPanic)
			allowed = true
		}
	}()

	path := uri
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	if allowlisted(path) {
		h.authLog.Debug("allowlisted endpoint", audit.Fields{"uri": uri, "method": method})
		h.countDecision(true, reasonAllowlisted)
		return true
	}

	actx := models.AuthorizationContext{Method: method, URI: uri, SourceIP: sourceIP}

	raw, present := token.Bearer(headers)
	if !present {
		h.authLog.Warn("no bearer token, allowing request", audit.Fields{
			"uri": uri, "method": method, "source_ip": sourceIP, "username": username,
		})
		h.countDecision(true, reasonNoToken)
		return true
	}

	claims, ok := token.Parse(raw)
	if ok && h.verifier != nil {
		if err := h.verifier.Verify(context.Background(), raw); err != nil {
			h.authLog.Warn("token signature rejected, treating as unparsable", audit.Fields{
				"uri": uri, "error": err.Error(),
			})
			ok = false
		}
	}
	if !ok {
		h.authLog.Warn("unparsable token, allowing request", audit.Fields{
			"uri": uri, "method": method, "source_ip": sourceIP,
		})
		h.countDecision(true, reasonUnparsableToken)
		return true
	}
	actx.Claims = claims

	decision := h.decide(actx)
	h.countDecision(decision.Allow, decision.Reason)
	return decision.Allow
}

// decide runs the tenant-scoping steps for a request carrying usable
// claims. The reason is informal and never returned to the caller.
func (h *Hooks) decide(actx models.AuthorizationContext) models.AuthorizationDecision {
	claims := actx.Claims

	if claims.HasRole(h.adminRole) {
		h.authLog.Info("admin bypass", audit.Fields{
			"uri": actx.URI, "subject": claims.Subject, "username": claims.Username,
		})
		return models.AuthorizationDecision{Allow: true, Reason: reasonAdminRole}
	}

	studyID, scoped := studyIDFromPath(actx.URI)
	if !scoped {
		h.authLog.Debug("unscoped resource", audit.Fields{"uri": actx.URI})
		return models.AuthorizationDecision{Allow: true, Reason: reasonUnscoped}
	}

	tenant, err := h.resolveTenant(studyID)
	if err != nil {
		h.authLog.Warn("tenant unresolved, allowing request", audit.Fields{
			"uri": actx.URI, "study_id": studyID, "error": err.Error(),
		})
		return models.AuthorizationDecision{Allow: true, Reason: reasonTenantUnknown}
	}
	if tenant == "" {
		h.authLog.Info("study has no institution tag, allowing request", audit.Fields{
			"uri": actx.URI, "study_id": studyID,
		})
		return models.AuthorizationDecision{Allow: true, Reason: reasonTenantUnknown}
	}

	if claims.HasClinic(tenant) {
		h.authLog.Info("tenant access granted", audit.Fields{
			"uri": actx.URI, "study_id": studyID, "clinic_id": tenant, "subject": claims.Subject,
		})
		return models.AuthorizationDecision{Allow: true, Reason: reasonTenantMember}
	}

	h.authLog.Warn("tenant access denied", audit.Fields{
		"uri":        actx.URI,
		"study_id":   studyID,
		"clinic_id":  tenant,
		"clinic_ids": claims.ClinicIDs,
		"subject":    claims.Subject,
		"username":   claims.Username,
		"source_ip":  actx.SourceIP,
	})
	return models.AuthorizationDecision{Allow: false, Reason: reasonTenantMismatch}
}

// resolveTenant reads the study's institution tag. An empty tenant with a
// nil error means the study exists but is untagged.
func (h *Hooks) resolveTenant(studyID string) (string, error) {
	study, err := h.client.GetStudy(context.Background(), studyID)
	if err != nil {
		return "", err
	}
	return models.Tag(study.MainDicomTags, models.TagInstitutionName), nil
}

func (h *Hooks) countDecision(allowed bool, reason string) {
	if h.metrics == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	h.metrics.AuthzDecisions.WithLabelValues(decision, reason).Inc()
}

func allowlisted(path string) bool {
	if allowlistExact[path] {
		return true
	}
	for _, prefix := range allowlistPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// studyIDFromPath reports whether the path addresses a study-scoped
// resource (a "studies/{id}" segment pair anywhere in the path) and
// returns the id.
func studyIDFromPath(uri string) (string, bool) {
	path := uri
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "studies" && segments[i+1] != "" {
			return segments[i+1], true
		}
	}
	return "", false
}
