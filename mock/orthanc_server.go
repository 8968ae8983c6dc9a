// Package mock provides mock implementations for testing.
package mock

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Temirlaaan/DICOM-viewer/orthanc"
)

// MetadataWrite records one metadata write received by the mock store.
type MetadataWrite struct {
	InstanceID string
	Key        int
	Value      string
}

// OrthancServer is an in-memory image store host for testing. It serves
// the REST surface the hooks consume: study and series lookups, instance
// metadata writes, instance uploads and the system probe.
type OrthancServer struct {
	mu sync.RWMutex

	studies map[string]*orthanc.Study
	series  map[string]*orthanc.Series

	metadataWrites []MetadataWrite
	// FailMetadataKeys simulates host errors for writes to these keys.
	FailMetadataKeys map[int]bool
	// FailStore simulates upload failures.
	FailStore bool
	// SystemDown simulates an unreachable store.
	SystemDown bool
}

// NewOrthancServer creates an empty mock store.
func NewOrthancServer() *OrthancServer {
	return &OrthancServer{
		studies:          make(map[string]*orthanc.Study),
		series:           make(map[string]*orthanc.Series),
		FailMetadataKeys: make(map[int]bool),
	}
}

// AddStudy registers a study resource.
func (s *OrthancServer) AddStudy(study *orthanc.Study) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies[study.ID] = study
}

// AddSeries registers a series resource.
func (s *OrthancServer) AddSeries(series *orthanc.Series) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[series.ID] = series
}

// MetadataWrites returns a copy of the writes received so far.
func (s *OrthancServer) MetadataWrites() []MetadataWrite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writes := make([]MetadataWrite, len(s.metadataWrites))
	copy(writes, s.metadataWrites)
	return writes
}

// RegisterHandlers registers HTTP handlers for the mock store.
func (s *OrthancServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/system", s.HandleSystem)
	mux.HandleFunc("/studies/", s.HandleStudy)
	mux.HandleFunc("/series/", s.HandleSeries)
	mux.HandleFunc("/instances", s.HandleStore)
	mux.HandleFunc("/instances/", s.HandleMetadata)
}

// HandleSystem handles the system probe.
func (s *OrthancServer) HandleSystem(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	down := s.SystemDown
	s.mu.RUnlock()
	if down {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"Name": "MockOrthanc", "Version": "1.12.4"})
}

// HandleStudy handles study lookups.
func (s *OrthancServer) HandleStudy(w http.ResponseWriter, r *http.Request) {
	studyID := strings.TrimPrefix(r.URL.Path, "/studies/")

	s.mu.RLock()
	study, exists := s.studies[studyID]
	s.mu.RUnlock()

	if !exists {
		http.Error(w, "study not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(study)
}

// HandleSeries handles series lookups.
func (s *OrthancServer) HandleSeries(w http.ResponseWriter, r *http.Request) {
	seriesID := strings.TrimPrefix(r.URL.Path, "/series/")

	s.mu.RLock()
	series, exists := s.series[seriesID]
	s.mu.RUnlock()

	if !exists {
		http.Error(w, "series not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(series)
}

// HandleStore handles instance uploads.
func (s *OrthancServer) HandleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	fail := s.FailStore
	s.mu.RUnlock()
	if fail {
		http.Error(w, "simulated store failure", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	result := orthanc.StoreResult{
		ID:          uuid.NewString(),
		ParentStudy: uuid.NewString(),
		Status:      "Success",
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleMetadata handles instance metadata writes.
func (s *OrthancServer) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /instances/{id}/metadata/{key}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/instances/"), "/")
	if len(parts) != 3 || parts[1] != "metadata" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	key, err := strconv.Atoi(parts[2])
	if err != nil {
		http.Error(w, "bad metadata key", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	fail := s.FailMetadataKeys[key]
	s.mu.Unlock()
	if fail {
		http.Error(w, "simulated metadata failure", http.StatusInternalServerError)
		return
	}

	value, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.metadataWrites = append(s.metadataWrites, MetadataWrite{
		InstanceID: parts[0],
		Key:        key,
		Value:      string(value),
	})
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}
