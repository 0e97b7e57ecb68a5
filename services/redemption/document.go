package redemption

import (
	"errors"
	"time"

	"rewards-core/pkg/remote"
)

var errMalformed = errors.New("malformed remote redemption")

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// toDocument maps a transaction onto its remote shape. CancellationReason is
// device-local and never leaves it.
func toDocument(t *RedemptionTransaction) remote.Document {
	doc := remote.Document{
		"id":          t.ID,
		"userId":      t.UserID,
		"familyId":    t.FamilyID,
		"optionId":    t.OptionID,
		"pointsUsed":  t.PointsUsed,
		"status":      string(t.Status),
		"notes":       t.Notes,
		"version":     t.Version,
		"redeemedAt":  t.RedeemedAt.UTC(),
		"createdAt":   t.CreatedAt.UTC(),
		"completedAt": optionalTime(t.CompletedAt),
		"cancelledAt": optionalTime(t.CancelledAt),
		"updatedAt":   remote.ServerTimestamp,
	}
	if t.GeneratedForDate != nil {
		doc["generatedForDate"] = *t.GeneratedForDate
	}
	return doc
}

// remoteState is the part of a remote transaction that conflict resolution
// looks at.
type remoteState struct {
	Status      Status
	Version     int64
	PointsUsed  int64
	Notes       string
	CompletedAt *time.Time
	CancelledAt *time.Time
	UpdatedAt   *time.Time
}

func fromDocument(doc remote.Document) (*remoteState, error) {
	status := Status(doc.String("status"))
	if !status.Valid() {
		return nil, errMalformed
	}
	version, ok := doc.Int64("version")
	if !ok || version < 1 {
		return nil, errMalformed
	}
	points, ok := doc.Int64("pointsUsed")
	if !ok {
		return nil, errMalformed
	}
	return &remoteState{
		Status:      status,
		Version:     version,
		PointsUsed:  points,
		Notes:       doc.String("notes"),
		CompletedAt: doc.Time("completedAt"),
		CancelledAt: doc.Time("cancelledAt"),
		UpdatedAt:   doc.Time("updatedAt"),
	}, nil
}

func optionFromDocument(doc remote.Document, now time.Time) (*RedemptionOption, bool) {
	id := doc.String("id")
	if id == "" {
		return nil, false
	}
	points, ok := doc.Int64("requiredPoints")
	if !ok {
		return nil, false
	}
	updated := now
	if t := doc.Time("updatedAt"); t != nil {
		updated = t.UTC()
	}
	return &RedemptionOption{
		ID:             id,
		FamilyID:       doc.String("familyId"),
		Title:          doc.String("title"),
		Description:    doc.String("description"),
		RequiredPoints: points,
		IsActive:       doc.Bool("isActive"),
		ExpiresAt:      doc.Time("expiresAt"),
		UpdatedAt:      updated,
	}, true
}
