// Package importer watches inbox folders for DICOM files and uploads
// them to the image store, stamping each committed instance with its
// clinic for access control.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/internal/config"
	"github.com/Temirlaaan/DICOM-viewer/internal/metrics"
	"github.com/Temirlaaan/DICOM-viewer/orthanc"
)

// Import outcome labels.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Common errors.
var (
	ErrNoDicomFiles = errors.New("no DICOM files found in study folder")
)

// dicomMagic is the "DICM" marker at offset 128 of a part-10 file.
var dicomMagic = []byte("DICM")

const dicomMagicOffset = 128

// fileError records one failed upload inside a study folder.
type fileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// errorReport is written next to a study folder moved to the failed
// directory.
type errorReport struct {
	Timestamp   string      `json:"timestamp"`
	StudyFolder string      `json:"study_folder"`
	ClinicID    string      `json:"clinic_id"`
	Reason      string      `json:"reason"`
	Errors      []fileError `json:"errors"`
}

// Processor uploads the DICOM files of one study folder to the store.
type Processor struct {
	client   orthanc.Client
	log      *audit.Logger
	metrics  *metrics.Metrics
	cfg      config.ImporterConfig
	metadata config.MetadataConfig
	now      func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(client orthanc.Client, log *audit.Logger, m *metrics.Metrics, cfg config.ImporterConfig, md config.MetadataConfig) *Processor {
	if md == (config.MetadataConfig{}) {
		md = config.DefaultConfig().Metadata
	}
	return &Processor{
		client:   client,
		log:      log,
		metrics:  m,
		cfg:      cfg,
		metadata: md,
		now:      time.Now,
	}
}

// ProcessStudyFolder uploads every DICOM file found under folder and
// moves the folder to the processed or failed tree. A partial import
// (some files uploaded) still counts as processed.
func (p *Processor) ProcessStudyFolder(ctx context.Context, folder, clinicID string) error {
	start := p.now()
	if p.metrics != nil {
		p.metrics.ActiveImports.Inc()
		defer func() {
			p.metrics.ActiveImports.Dec()
			p.metrics.ImportDuration.WithLabelValues(clinicID).Observe(time.Since(start).Seconds())
		}()
	}

	files, err := findDicomFiles(folder)
	if err != nil {
		p.fail(folder, clinicID, err.Error(), nil)
		return err
	}
	if len(files) == 0 {
		p.log.Warn("no DICOM files found in study folder", audit.Fields{
			"study_folder": folder, "clinic_id": clinicID,
		})
		p.fail(folder, clinicID, ErrNoDicomFiles.Error(), nil)
		return ErrNoDicomFiles
	}

	var uploaded int
	var failures []fileError
	for _, file := range files {
		if err := p.uploadFile(ctx, file, clinicID); err != nil {
			rel, _ := filepath.Rel(folder, file)
			failures = append(failures, fileError{File: rel, Error: err.Error()})
			p.log.Warn("file upload failed", audit.Fields{
				"file": file, "clinic_id": clinicID, "error": err.Error(),
			})
			continue
		}
		uploaded++
		if p.metrics != nil {
			p.metrics.InstancesUploaded.WithLabelValues(clinicID).Inc()
		}
	}

	switch {
	case len(failures) == 0:
		p.log.Info("study imported", audit.Fields{
			"study_folder": folder, "clinic_id": clinicID, "files": uploaded,
		})
		p.finish(folder, clinicID, StatusSuccess)
		return nil
	case uploaded > 0:
		p.log.Warn("study partially imported", audit.Fields{
			"study_folder": folder, "clinic_id": clinicID,
			"uploaded": uploaded, "failed": len(failures),
		})
		p.finish(folder, clinicID, StatusPartial)
		return nil
	default:
		reason := fmt.Sprintf("all %d files failed", len(failures))
		p.fail(folder, clinicID, reason, failures)
		return fmt.Errorf("importing %s: %s", folder, reason)
	}
}

// uploadFile uploads one file and stamps the committed instance with the
// clinic, import timestamp and source.
func (p *Processor) uploadFile(ctx context.Context, path, clinicID string) error {
	start := p.now()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	result, err := p.client.StoreInstance(ctx, data)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	}

	// Tenant stamping mirrors what the stored-instance hook does for
	// instances arriving over DICOM: best effort, logged, not fatal.
	importedAt := p.now().UTC().Truncate(time.Second).Format(time.RFC3339)
	for key, value := range map[int]string{
		p.metadata.TenantKey:     clinicID,
		p.metadata.ImportedAtKey: importedAt,
		p.metadata.OriginKey:     "Importer:" + filepath.Base(path),
	} {
		if err := p.client.PutMetadata(ctx, result.ID, key, value); err != nil {
			p.log.Warn("metadata write failed", audit.Fields{
				"instance_id": result.ID, "key": key, "error": err.Error(),
			})
		}
	}
	return nil
}

func (p *Processor) finish(folder, clinicID, status string) {
	if p.metrics != nil {
		p.metrics.ImportsTotal.WithLabelValues(clinicID, status).Inc()
	}
	dest, err := p.moveTo(p.cfg.ProcessedPath, folder, clinicID)
	if err != nil {
		p.log.Warn("moving study folder failed", audit.Fields{
			"study_folder": folder, "error": err.Error(),
		})
		return
	}
	p.log.Info("study moved to processed", audit.Fields{"destination": dest})
}

func (p *Processor) fail(folder, clinicID, reason string, failures []fileError) {
	if p.metrics != nil {
		p.metrics.ImportsTotal.WithLabelValues(clinicID, StatusFailed).Inc()
	}
	dest, err := p.moveTo(p.cfg.FailedPath, folder, clinicID)
	if err != nil {
		p.log.Warn("moving study folder failed", audit.Fields{
			"study_folder": folder, "error": err.Error(),
		})
		return
	}

	report := errorReport{
		Timestamp:   p.now().UTC().Truncate(time.Second).Format(time.RFC3339),
		StudyFolder: filepath.Base(folder),
		ClinicID:    clinicID,
		Reason:      reason,
		Errors:      failures,
	}
	data, _ := json.MarshalIndent(report, "", "  ")
	reportPath := dest + ".error.json"
	if err := os.WriteFile(reportPath, data, 0o644); err != nil {
		p.log.Warn("writing error report failed", audit.Fields{
			"path": reportPath, "error": err.Error(),
		})
	}

	p.log.Warn("study moved to failed", audit.Fields{"destination": dest, "reason": reason})
}

// moveTo relocates a study folder to root/{clinic}/{date}/{name},
// suffixing the name when the destination already exists.
func (p *Processor) moveTo(root, folder, clinicID string) (string, error) {
	destDir := filepath.Join(root, clinicID, p.now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating destination: %w", err)
	}

	dest := filepath.Join(destDir, filepath.Base(folder))
	if _, err := os.Stat(dest); err == nil {
		dest += "_" + p.now().Format("150405")
	}
	if err := os.Rename(folder, dest); err != nil {
		return "", fmt.Errorf("moving folder: %w", err)
	}
	return dest, nil
}

// findDicomFiles returns every file under root that looks like DICOM:
// a .dcm extension, or the DICM marker for extensionless exports.
func findDicomFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".dcm":
			files = append(files, path)
		case ".json", ".txt", ".log":
			// Sidecar files are never uploaded.
		default:
			if hasDicomMagic(path) {
				files = append(files, path)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning study folder: %w", err)
	}
	return files, nil
}

func hasDicomMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, dicomMagicOffset+len(dicomMagic))
	if _, err := f.ReadAt(header, 0); err != nil {
		return false
	}
	return bytes.Equal(header[dicomMagicOffset:], dicomMagic)
}
