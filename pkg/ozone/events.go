package ozone

import "time"

const (
	strongRefType       = "com.atproto.repo.strongRef"
	modEventLabelType   = "tools.ozone.moderation.defs#modEventLabel"
	modEventAckType     = "tools.ozone.moderation.defs#modEventAcknowledge"
	createdAtTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Subject is the record a moderation event is about.
type Subject struct {
	Type string `json:"$type"`
	URI  string `json:"uri"`
	CID  string `json:"cid"`
}

func StrongRef(uri, cid string) Subject {
	return Subject{Type: strongRefType, URI: uri, CID: cid}
}

// LabelEvent applies (and optionally negates) labels.
type LabelEvent struct {
	Type            string   `json:"$type"`
	CreateLabelVals []string `json:"createLabelVals"`
	NegateLabelVals []string `json:"negateLabelVals"`
	Comment         string   `json:"comment,omitempty"`
}

// AcknowledgeEvent marks the subject as reviewed.
type AcknowledgeEvent struct {
	Type    string `json:"$type"`
	Comment string `json:"comment,omitempty"`
}

func NewLabelEvent(label, comment string) LabelEvent {
	return LabelEvent{
		Type:            modEventLabelType,
		CreateLabelVals: []string{label},
		NegateLabelVals: []string{},
		Comment:         comment,
	}
}

func NewAcknowledgeEvent(comment string) AcknowledgeEvent {
	return AcknowledgeEvent{Type: modEventAckType, Comment: comment}
}

// EmitEventInput is the body of tools.ozone.moderation.emitEvent.
type EmitEventInput struct {
	Event           any      `json:"event"`
	Subject         Subject  `json:"subject"`
	SubjectBlobCids []string `json:"subjectBlobCids"`
	CreatedBy       string   `json:"createdBy"`
	CreatedAt       string   `json:"createdAt,omitempty"`
}

func NewEmitEventInput(event any, subject Subject, createdBy string, at time.Time) EmitEventInput {
	return EmitEventInput{
		Event:           event,
		Subject:         subject,
		SubjectBlobCids: []string{},
		CreatedBy:       createdBy,
		CreatedAt:       at.UTC().Format(createdAtTimeLayout),
	}
}
