package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidRecord is returned for queue records that cannot be decoded or validated.
var ErrInvalidRecord = errors.New("invalid task record")

// RequestOptions describes how a deferred write is re-issued.
type RequestOptions struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// Browser fetch options, kept so records round-trip unchanged.
	Mode        string `json:"mode,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

// TaskRecord is one deferred write waiting for connectivity.
type TaskRecord struct {
	// Key identifies the record within its namespace. It is not part of the stored value.
	Key             string         `json:"-"`
	Endpoint        string         `json:"endpoint"`
	Options         RequestOptions `json:"options"`
	RefreshReportID CorrelationID  `json:"refreshReportId"`
}

// CorrelationID names the view to refresh once a task succeeds.
// It is opaque; producers may store it as a JSON string or number.
type CorrelationID string

func (c *CorrelationID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = CorrelationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("refreshReportId must be a string or number: %w", err)
	}
	*c = CorrelationID(n.String())
	return nil
}

// ParseTaskRecord decodes and validates a stored record.
func ParseTaskRecord(key string, data []byte) (TaskRecord, error) {
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TaskRecord{}, fmt.Errorf("%w %q: %v", ErrInvalidRecord, key, err)
	}
	rec.Key = key
	if err := rec.Validate(); err != nil {
		return TaskRecord{}, err
	}
	return rec, nil
}

// Validate checks the record and fills in defaults.
func (r *TaskRecord) Validate() error {
	r.Endpoint = strings.TrimSpace(r.Endpoint)
	if r.Endpoint == "" {
		return fmt.Errorf("%w %q: endpoint is required", ErrInvalidRecord, r.Key)
	}
	if r.Options.Method == "" {
		r.Options.Method = http.MethodGet
	}
	r.Options.Method = strings.ToUpper(r.Options.Method)
	return nil
}
