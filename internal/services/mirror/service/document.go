package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"telemirror/internal/core/record"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/services/mirror/domain"
)

// BuildDocument normalizes r and renders its storage form
// Timestamp fields that fail to parse come back as null and are reported, never fatal
func BuildDocument(r record.Record) (domain.Document, []*record.ParseError, error) {
	norm, perrs := record.Normalize(r)
	body, err := json.Marshal(norm)
	if err != nil {
		return domain.Document{}, perrs, perr.Wrap(err, perr.ErrorCodeJSON, "encode record")
	}

	d := domain.Document{Body: body}
	if v, ok := norm.Get(record.FieldID); ok {
		if s, ok := v.Text(); ok && s != "" {
			d.Key = s
		}
	}
	if d.Key == "" {
		sum := sha256.Sum256(body)
		d.Key = "sha256:" + hex.EncodeToString(sum[:])
	}
	d.CreatedAt = timeField(norm, record.FieldCreatedAt)
	d.UpdatedAt = timeField(norm, record.FieldUpdatedAt)
	return d, perrs, nil
}

func timeField(r record.Record, name string) *time.Time {
	v, ok := r.Get(name)
	if !ok {
		return nil
	}
	t, ok := v.Time()
	if !ok {
		return nil
	}
	return &t
}
