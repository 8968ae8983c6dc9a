package models

// Roles recognized in token claims.
const (
	RoleAdmin     = "admin"
	RolePhysician = "physician"
)

// DICOM tags used by the hooks, by symbolic name and group,element pair.
// Lookups try the symbolic name first and fall back to the hex pair.
const (
	TagInstitutionName  = "InstitutionName"
	TagPatientID        = "PatientID"
	TagPatientName      = "PatientName"
	TagStudyDate        = "StudyDate"
	TagStudyDescription = "StudyDescription"
	TagAccessionNumber  = "AccessionNumber"
	TagModality         = "Modality"
	TagSOPClassUID      = "SOPClassUID"
	TagStudyUID         = "StudyInstanceUID"
	TagSeriesUID        = "SeriesInstanceUID"
)

// HexTags maps symbolic tag names to their group,element fallback keys.
var HexTags = map[string]string{
	TagInstitutionName:  "0008,0080",
	TagPatientID:        "0010,0020",
	TagPatientName:      "0010,0010",
	TagStudyDate:        "0008,0020",
	TagStudyDescription: "0008,1030",
	TagAccessionNumber:  "0008,0050",
	TagModality:         "0008,0060",
	TagSOPClassUID:      "0008,0016",
	TagStudyUID:         "0020,000d",
	TagSeriesUID:        "0020,000e",
}

// Tag returns the value for a symbolic tag name, falling back to the
// group,element hex pair. Missing tags yield the empty string.
func Tag(tags map[string]string, name string) string {
	if v, ok := tags[name]; ok && v != "" {
		return v
	}
	if hex, ok := HexTags[name]; ok {
		return tags[hex]
	}
	return ""
}

// UnknownValue is the placeholder recorded when a field cannot be
// resolved from tags or origin information.
const UnknownValue = "unknown"

// Descriptor renders the origin as "type:info". Each part defaults to
// UnknownValue when the store reported nothing usable.
func (o Origin) Descriptor() string {
	originType := o.RequestOrigin
	if originType == "" {
		originType = UnknownValue
	}
	info := o.RemoteAET
	if info == "" {
		info = o.RemoteIP
	}
	if info == "" {
		info = o.CalledAET
	}
	if info == "" {
		info = UnknownValue
	}
	return originType + ":" + info
}
