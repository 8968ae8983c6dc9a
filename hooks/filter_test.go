package hooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/mock"
	"github.com/Temirlaaan/DICOM-viewer/orthanc"
)

type testHooks struct {
	*Hooks
	store *mock.OrthancServer
	out   *bytes.Buffer
}

func newTestHooks(t *testing.T, level audit.Level) *testHooks {
	t.Helper()

	store := mock.NewOrthancServer()
	mux := http.NewServeMux()
	store.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	out := &bytes.Buffer{}
	h := New(&Config{
		Client: orthanc.NewClient(&orthanc.Config{BaseURL: srv.URL}),
		Audit:  audit.NewLogger("test", level, out),
	})
	return &testHooks{Hooks: h, store: store, out: out}
}

func (th *testHooks) auditLines(t *testing.T) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(th.out.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("audit line is not valid JSON: %s", line)
		}
		records = append(records, rec)
	}
	return records
}

func bearerHeaders(t *testing.T, claims jwt.MapClaims) http.Header {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+raw)
	return h
}

func addStudy(th *testHooks, id, institution string) {
	tags := map[string]string{}
	if institution != "" {
		tags["InstitutionName"] = institution
	}
	th.store.AddStudy(&orthanc.Study{ID: id, MainDicomTags: tags})
}

func TestFilterAllowsWithoutToken(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)

	if !th.RequestFilter("GET", "/studies/abc123", "10.0.0.5", "", http.Header{}) {
		t.Fatal("request without a token must be allowed")
	}

	records := th.auditLines(t)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0]["level"] != "warn" {
		t.Errorf("level = %v, want warn", records[0]["level"])
	}
	if records[0]["uri"] != "/studies/abc123" {
		t.Errorf("uri = %v", records[0]["uri"])
	}
}

func TestFilterAllowsUnparsableToken(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)

	h := http.Header{}
	h.Set("Authorization", "Bearer not-a-jwt")
	if !th.RequestFilter("GET", "/studies/abc123", "10.0.0.5", "", h) {
		t.Fatal("request with an unparsable token must be allowed")
	}

	records := th.auditLines(t)
	if len(records) != 1 || records[0]["level"] != "warn" {
		t.Fatalf("expected a single warn record, got %v", records)
	}
}

func TestFilterDeniesTenantMismatch(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)
	addStudy(th, "abc123", "denscan-almaty")

	headers := bearerHeaders(t, jwt.MapClaims{
		"sub":        "user-1",
		"clinic_ids": []string{"denscan-central"},
	})

	if th.RequestFilter("GET", "/studies/abc123", "10.0.0.5", "user-1", headers) {
		t.Fatal("foreign-tenant study access must be denied")
	}

	records := th.auditLines(t)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	rec := records[0]
	if rec["clinic_id"] != "denscan-almaty" {
		t.Errorf("clinic_id = %v, want denscan-almaty", rec["clinic_id"])
	}
	ids, _ := rec["clinic_ids"].([]any)
	if len(ids) != 1 || ids[0] != "denscan-central" {
		t.Errorf("clinic_ids = %v, want [denscan-central]", rec["clinic_ids"])
	}
}

func TestFilterAdminBypass(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)
	addStudy(th, "abc123", "denscan-almaty")

	headers := bearerHeaders(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"admin"},
		// Not a member of the study's clinic; the role must win anyway.
		"clinic_ids": []string{"denscan-central"},
	})

	if !th.RequestFilter("GET", "/studies/abc123", "10.0.0.5", "user-1", headers) {
		t.Fatal("admin role must bypass tenant scoping")
	}
}

func TestFilterAllowsTenantMember(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)
	addStudy(th, "abc123", "denscan-central")

	headers := bearerHeaders(t, jwt.MapClaims{
		"clinic_ids": []string{"denscan-central", "denscan-almaty"},
	})

	if !th.RequestFilter("GET", "/studies/abc123/series", "10.0.0.5", "", headers) {
		t.Fatal("member of the study's clinic must be allowed")
	}
}

func TestFilterAllowsUnresolvableTenant(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)

	headers := bearerHeaders(t, jwt.MapClaims{"clinic_ids": []string{"denscan-central"}})

	// Study does not exist in the store at all.
	if !th.RequestFilter("GET", "/studies/ghost", "10.0.0.5", "", headers) {
		t.Fatal("unresolvable tenant must fail open")
	}
}

func TestFilterAllowsUntaggedStudy(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)
	addStudy(th, "abc123", "")

	headers := bearerHeaders(t, jwt.MapClaims{"clinic_ids": []string{"denscan-central"}})

	if !th.RequestFilter("GET", "/studies/abc123", "10.0.0.5", "", headers) {
		t.Fatal("study without an institution tag must be allowed")
	}
}

func TestFilterHexInstitutionFallback(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)
	th.store.AddStudy(&orthanc.Study{
		ID:            "abc123",
		MainDicomTags: map[string]string{"0008,0080": "denscan-almaty"},
	})

	headers := bearerHeaders(t, jwt.MapClaims{"clinic_ids": []string{"denscan-central"}})

	if th.RequestFilter("GET", "/studies/abc123", "10.0.0.5", "", headers) {
		t.Fatal("institution resolved via the hex pair must still deny")
	}
}

func TestFilterAllowlist(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)

	for _, uri := range []string{"/", "/system", "/metrics", "/health", "/ready", "/app/explorer.html", "/system?full=1"} {
		if !th.RequestFilter("GET", uri, "10.0.0.5", "", http.Header{}) {
			t.Errorf("allowlisted uri %q must be allowed", uri)
		}
	}
	// Allowlist hits are debug-level; nothing should surface at info.
	if got := th.auditLines(t); got != nil {
		t.Errorf("expected no audit records at info level, got %v", got)
	}
}

func TestFilterAllowsUnscopedURI(t *testing.T) {
	th := newTestHooks(t, audit.LevelInfo)

	headers := bearerHeaders(t, jwt.MapClaims{"clinic_ids": []string{"denscan-central"}})

	if !th.RequestFilter("GET", "/patients/p-1", "10.0.0.5", "", headers) {
		t.Fatal("non-study URIs must be allowed")
	}
}

func TestStudyIDFromPath(t *testing.T) {
	cases := []struct {
		uri    string
		id     string
		scoped bool
	}{
		{"/studies/abc123", "abc123", true},
		{"/studies/abc123/series", "abc123", true},
		{"/dicom-web/studies/1.2.840.4711", "1.2.840.4711", true},
		{"/studies/abc123?expand=1", "abc123", true},
		{"/studies", "", false},
		{"/studies/", "", false},
		{"/patients/p-1", "", false},
		{"/", "", false},
	}
	for _, tc := range cases {
		id, scoped := studyIDFromPath(tc.uri)
		if id != tc.id || scoped != tc.scoped {
			t.Errorf("studyIDFromPath(%q) = (%q, %v), want (%q, %v)", tc.uri, id, scoped, tc.id, tc.scoped)
		}
	}
}
