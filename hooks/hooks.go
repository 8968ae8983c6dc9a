// Package hooks implements the event hooks attached to the image store's
// extension point: the request-time authorization filter and the
// lifecycle event handlers.
package hooks

import (
	"fmt"
	"time"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/internal/config"
	"github.com/Temirlaaan/DICOM-viewer/internal/metrics"
	"github.com/Temirlaaan/DICOM-viewer/models"
	"github.com/Temirlaaan/DICOM-viewer/orthanc"
	"github.com/Temirlaaan/DICOM-viewer/token"
)

// Audit component names.
const (
	componentAuthorization = "authorization"
	componentLifecycle     = "lifecycle"
)

// Config holds the hook wiring. Client and Audit are required.
type Config struct {
	Client orthanc.Client
	Audit  *audit.Logger
	// Verifier enables signature checks against the realm JWKS; nil
	// preserves the default trust in the upstream proxy.
	Verifier *token.Verifier
	// AdminRole grants a full tenant-scoping bypass; defaults to "admin".
	AdminRole string
	// Metadata holds the reserved keys written on stored instances;
	// zero value selects the 1024-1026 defaults.
	Metadata config.MetadataConfig
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Hooks is the set of callbacks exposed to the host runtime. The host
// invokes each hook synchronously and delivers each event exactly once;
// no state is shared across invocations.
type Hooks struct {
	client   orthanc.Client
	authLog  *audit.Logger
	lifeLog  *audit.Logger
	verifier *token.Verifier

	adminRole string
	metadata  config.MetadataConfig
	metrics   *metrics.Metrics

	now func() time.Time
}

// New creates the hook set.
func New(cfg *Config) *Hooks {
	adminRole := cfg.AdminRole
	if adminRole == "" {
		adminRole = models.RoleAdmin
	}
	md := cfg.Metadata
	if md == (config.MetadataConfig{}) {
		md = config.DefaultConfig().Metadata
	}

	return &Hooks{
		client:    cfg.Client,
		authLog:   cfg.Audit.Component(componentAuthorization),
		lifeLog:   cfg.Audit.Component(componentLifecycle),
		verifier:  cfg.Verifier,
		adminRole: adminRole,
		metadata:  md,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// guard keeps a hook from propagating a panic into the host's event
// loop; the worst acceptable outcome is a missing audit line.
func (h *Hooks) guard(log *audit.Logger, operation string) {
	if r := recover(); r != nil {
		log.Warn("handler panic recovered", audit.Fields{
			"operation": operation,
			"panic":     fmt.Sprint(r),
		})
	}
}
