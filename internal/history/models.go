// Package history persists batch runs and their per-job outcomes so
// earlier transcodes can be listed, inspected, and exported later.
package history

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/jmylchreest/vodarr/internal/media"
)

// ULID wraps ulid.ULID for database storage as a primary key.
type ULID ulid.ULID

// NewULID generates a new ULID.
func NewULID() ULID {
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader))
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID: %w", err)
	}
	return ULID(id), nil
}

// String returns the canonical 26-character form.
func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// IsZero reports whether the ULID is unset.
func (u ULID) IsZero() bool {
	return ulid.ULID(u).Compare(ulid.ULID{}) == 0
}

// Value implements driver.Valuer for database storage.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (u *ULID) Scan(value any) error {
	if value == nil {
		*u = ULID{}
		return nil
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported type for ULID: %T", value)
	}
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return fmt.Errorf("scanning ULID: %w", err)
	}
	*u = ULID(id)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (u ULID) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + u.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *ULID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return fmt.Errorf("parsing ULID JSON: %w", err)
	}
	*u = ULID(id)
	return nil
}

// GormDataType returns the GORM column type for ULID.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// BaseModel provides the common fields with a ULID primary key.
type BaseModel struct {
	ID        ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a ULID if not already set.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID.IsZero() {
		b.ID = NewULID()
	}
	return nil
}

// Batch is one recorded batch run.
type Batch struct {
	BaseModel

	StartedAt   time.Time `gorm:"index" json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Total       int       `json:"total"`
	OK          int       `gorm:"column:ok" json:"ok"`
	Failed      int       `json:"failed"`
	Cancelled   int       `json:"cancelled"`
	Skipped     int       `json:"skipped"`
	Interrupted bool      `json:"interrupted"`

	InputFolder  string `gorm:"size:1024" json:"input_folder"`
	OutputFolder string `gorm:"size:1024" json:"output_folder"`

	Jobs []JobRecord `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"jobs,omitempty"`
}

// Succeeded reports whether every executed job in the batch finished ok.
func (b *Batch) Succeeded() bool {
	return b.Failed == 0 && b.Cancelled == 0 && !b.Interrupted
}

// Duration is the wall time the batch took.
func (b *Batch) Duration() time.Duration {
	return b.EndedAt.Sub(b.StartedAt)
}

// JobRecord is one job's terminal outcome inside a batch.
type JobRecord struct {
	BaseModel

	BatchID ULID `gorm:"type:varchar(26);index;not null" json:"batch_id"`

	// JobID is the scheduler-side job identity, distinct from the row id.
	JobID     string `gorm:"size:26;index" json:"job_id"`
	Name      string `gorm:"size:255" json:"name"`
	InputPath string `gorm:"size:1024" json:"input_path"`

	Status    string `gorm:"size:20;index" json:"status"`
	ErrorKind string `gorm:"size:32" json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`

	// StderrTail holds the last stderr lines joined by newlines.
	StderrTail string `json:"stderr_tail,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Tail splits the stored stderr tail back into lines.
func (j *JobRecord) Tail() []string {
	if j.StderrTail == "" {
		return nil
	}
	return strings.Split(j.StderrTail, "\n")
}

// newJobRecord converts one sealed result plus its job metadata.
func newJobRecord(res media.JobResult, job *media.Job) JobRecord {
	rec := JobRecord{
		JobID:      string(res.JobID),
		Status:     string(res.Status),
		ErrorKind:  string(res.ErrorKind),
		Message:    res.Message,
		ExitCode:   res.ExitCode,
		StderrTail: strings.Join(res.StderrTail, "\n"),
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
		DurationMs: res.EndedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if job != nil {
		rec.Name = job.Name
		rec.InputPath = job.InputPath
	}
	return rec
}
