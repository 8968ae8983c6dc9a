package hooks

import (
	"context"
	"time"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/models"
)

// ReceivedInstanceFilter is called on ingest before commit. Filtering
// happens at query time, not at ingest time, so every instance is
// accepted; the receipt is still logged.
func (h *Hooks) ReceivedInstanceFilter(raw []byte, origin models.Origin) bool {
	h.lifeLog.Debug("instance received", audit.Fields{
		"size":   len(raw),
		"origin": origin.Descriptor(),
	})
	return true
}

// OnStoredInstance handles one committed instance: it emits the audit
// record first, then issues three independent best-effort metadata
// writes. A failed write is logged and never blocks its siblings; the
// audit record has already been emitted by then.
func (h *Hooks) OnStoredInstance(ev models.StoredInstanceEvent) {
	defer h.guard(h.lifeLog, "stored instance")
	h.countEvent(ev.Kind())

	tenant := models.Tag(ev.Tags, models.TagInstitutionName)
	if tenant == "" {
		tenant = models.UnknownValue
	}
	origin := ev.Origin.Descriptor()

	h.lifeLog.Info("instance stored", audit.Fields{
		"instance_id":       ev.InstanceID,
		"clinic_id":         tenant,
		"patient_id":        tagOr(ev.Tags, models.TagPatientID, models.UnknownValue),
		"patient_name":      tagOr(ev.Tags, models.TagPatientName, models.UnknownValue),
		"study_date":        models.Tag(ev.Tags, models.TagStudyDate),
		"study_description": models.Tag(ev.Tags, models.TagStudyDescription),
		"modality":          models.Tag(ev.Tags, models.TagModality),
		"sop_class_uid":     models.Tag(ev.Tags, models.TagSOPClassUID),
		"study_uid":         models.Tag(ev.Tags, models.TagStudyUID),
		"series_uid":        models.Tag(ev.Tags, models.TagSeriesUID),
		"origin":            origin,
	})

	importedAt := h.now().UTC().Truncate(time.Second).Format(time.RFC3339)
	h.writeMetadata(ev.InstanceID, h.metadata.TenantKey, tenant)
	h.writeMetadata(ev.InstanceID, h.metadata.ImportedAtKey, importedAt)
	h.writeMetadata(ev.InstanceID, h.metadata.OriginKey, origin)
}

// OnStableStudy handles a study going quiet: it queries the host for the
// study, counts series and instances, and emits one summary record. The
// per-series lookups are an N+1 pattern, acceptable only because this
// fires at most once per study per inactivity window.
func (h *Hooks) OnStableStudy(ev models.StudyStableEvent) {
	defer h.guard(h.lifeLog, "stable study")
	h.countEvent(ev.Kind())

	ctx := context.Background()
	study, err := h.client.GetStudy(ctx, ev.StudyID)
	if err != nil {
		h.lifeLog.Warn("study lookup failed, skipping stable-study record", audit.Fields{
			"study_id": ev.StudyID,
			"error":    err.Error(),
		})
		return
	}

	instanceCount := 0
	for _, seriesID := range study.Series {
		series, err := h.client.GetSeries(ctx, seriesID)
		if err != nil {
			h.lifeLog.Warn("series lookup failed", audit.Fields{
				"study_id":  ev.StudyID,
				"series_id": seriesID,
				"error":     err.Error(),
			})
			continue
		}
		instanceCount += len(series.Instances)
	}

	h.lifeLog.Info("study stable", audit.Fields{
		"study_id":          ev.StudyID,
		"clinic_id":         tagOr(study.MainDicomTags, models.TagInstitutionName, models.UnknownValue),
		"patient_id":        tagOr(study.PatientMainDicomTags, models.TagPatientID, models.UnknownValue),
		"patient_name":      tagOr(study.PatientMainDicomTags, models.TagPatientName, models.UnknownValue),
		"study_date":        models.Tag(study.MainDicomTags, models.TagStudyDate),
		"study_description": models.Tag(study.MainDicomTags, models.TagStudyDescription),
		"accession_number":  models.Tag(study.MainDicomTags, models.TagAccessionNumber),
		"series_count":      len(study.Series),
		"instance_count":    instanceCount,
	})
}

// OnDeletedStudy handles a removed study. The resource no longer exists,
// so no lookups are made.
func (h *Hooks) OnDeletedStudy(studyID string) {
	defer h.guard(h.lifeLog, "deleted study")
	h.countEvent(models.EventDeletedStudy)

	h.lifeLog.Info("study deleted", audit.Fields{"study_id": studyID})
}

// writeMetadata issues one best-effort metadata write. Failures are
// logged and isolated from sibling writes.
func (h *Hooks) writeMetadata(instanceID string, key int, value string) {
	if err := h.client.PutMetadata(context.Background(), instanceID, key, value); err != nil {
		h.lifeLog.Warn("metadata write failed", audit.Fields{
			"instance_id": instanceID,
			"key":         key,
			"error":       err.Error(),
		})
		if h.metrics != nil {
			h.metrics.MetadataWriteFailures.Inc()
		}
	}
}

func (h *Hooks) countEvent(kind models.EventKind) {
	if h.metrics != nil {
		h.metrics.LifecycleEvents.WithLabelValues(string(kind)).Inc()
	}
}

func tagOr(tags map[string]string, name, fallback string) string {
	if v := models.Tag(tags, name); v != "" {
		return v
	}
	return fallback
}
