package models

// EventKind identifies one of the lifecycle transitions reported by the
// store. Each event is delivered exactly once and handled synchronously.
type EventKind string

const (
	EventStoredInstance EventKind = "stored_instance"
	EventStableStudy    EventKind = "stable_study"
	EventDeletedStudy   EventKind = "deleted_study"
)

// Event is the tagged variant covering the three lifecycle event shapes.
type Event interface {
	Kind() EventKind
}

// Origin describes where an instance arrived from.
type Origin struct {
	// RequestOrigin is the transport kind reported by the store, e.g.
	// "DicomProtocol" or "RestApi".
	RequestOrigin string
	// RemoteAET is the calling application entity title, when the
	// instance arrived over the DICOM protocol.
	RemoteAET string
	// RemoteIP is the sender's address.
	RemoteIP string
	// CalledAET is the application entity title the sender addressed.
	CalledAET string
}

// StoredInstanceEvent is emitted once per committed instance. Tags may be
// addressed by symbolic name or by the group,element hex pair; consumers
// must try the symbolic name first and fall back to the hex pair.
type StoredInstanceEvent struct {
	InstanceID string
	Tags       map[string]string
	Metadata   map[string]string
	Origin     Origin
}

func (StoredInstanceEvent) Kind() EventKind { return EventStoredInstance }

// StudyStableEvent is emitted once a study has seen no new instances for
// the configured inactivity window. The tag snapshot delivered with the
// event is advisory; handlers query the store for the authoritative
// resource.
type StudyStableEvent struct {
	StudyID  string
	Tags     map[string]string
	Metadata map[string]string
}

func (StudyStableEvent) Kind() EventKind { return EventStableStudy }

// StudyDeletedEvent is emitted after a study has been removed; the
// resource itself can no longer be queried.
type StudyDeletedEvent struct {
	StudyID string
}

func (StudyDeletedEvent) Kind() EventKind { return EventDeletedStudy }
