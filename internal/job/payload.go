package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultScrapeLimit is used when a scrape payload omits its limit
const DefaultScrapeLimit = 50

// Payload is the typed body of a job. Each job type has exactly one
// payload struct; ParsePayload selects it from the job type.
type Payload interface {
	JobType() Type
}

// defaulter is implemented by payloads that fill in omitted fields
type defaulter interface {
	setDefaults()
}

var sourceNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("sourcename", func(fl validator.FieldLevel) bool {
		return sourceNameRegex.MatchString(fl.Field().String())
	})
	if err != nil {
		panic(fmt.Sprintf("job: registering sourcename validation: %v", err))
	}

	// Report payload fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ScrapeSourcePayload asks a worker to fetch, score and store posts from one source
type ScrapeSourcePayload struct {
	Source string `json:"source" validate:"required,sourcename"`
	Query  string `json:"query" validate:"required,max=256"`
	Limit  int    `json:"limit" validate:"gte=1,lte=500"`
}

func (ScrapeSourcePayload) JobType() Type { return TypeScrapeSource }

func (p *ScrapeSourcePayload) setDefaults() {
	if p.Limit == 0 {
		p.Limit = DefaultScrapeLimit
	}
}

// ScrapeAllPayload runs the scrape of one query across every source, or
// across Sources when it is set
type ScrapeAllPayload struct {
	Query   string   `json:"query" validate:"required,max=256"`
	Limit   int      `json:"limit" validate:"gte=1,lte=500"`
	Sources []string `json:"sources,omitempty" validate:"omitempty,max=32,dive,sourcename"`
}

func (ScrapeAllPayload) JobType() Type { return TypeScrapeAll }

func (p *ScrapeAllPayload) setDefaults() {
	if p.Limit == 0 {
		p.Limit = DefaultScrapeLimit
	}
}

// AutoScrapePayload is produced by the scheduler. An empty query or zero
// limit means the worker's configured defaults apply.
type AutoScrapePayload struct {
	Query string `json:"query,omitempty" validate:"max=256"`
	Limit int    `json:"limit,omitempty" validate:"gte=0,lte=500"`
}

func (AutoScrapePayload) JobType() Type { return TypeAutoScrape }

// Backup kinds
const (
	BackupHourly = "hourly"
	BackupDaily  = "daily"
)

// BackupPayload asks the backup service for a dump
type BackupPayload struct {
	Kind string `json:"kind" validate:"oneof=hourly daily"`
}

func (BackupPayload) JobType() Type { return TypeBackup }

func (p *BackupPayload) setDefaults() {
	if p.Kind == "" {
		p.Kind = BackupDaily
	}
}

// CleanupPayload asks the cleanup service to purge duplicate posts
type CleanupPayload struct {
	DryRun bool `json:"dry_run,omitempty"`
}

func (CleanupPayload) JobType() Type { return TypeCleanup }

func newPayload(t Type) (Payload, error) {
	switch t {
	case TypeScrapeSource:
		return &ScrapeSourcePayload{}, nil
	case TypeScrapeAll:
		return &ScrapeAllPayload{}, nil
	case TypeAutoScrape:
		return &AutoScrapePayload{}, nil
	case TypeBackup:
		return &BackupPayload{}, nil
	case TypeCleanup:
		return &CleanupPayload{}, nil
	default:
		return nil, &FieldError{Field: "job_type", Reason: "unknown job type"}
	}
}

// ParsePayload strictly decodes raw into the payload struct for t, applies
// defaults and validates it. Unknown fields are rejected.
func ParsePayload(t Type, raw json.RawMessage) (Payload, error) {
	p, err := newPayload(t)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, &FieldError{Field: "payload", Reason: "malformed JSON or unknown field", Err: err}
	}
	if dec.More() {
		return nil, &FieldError{Field: "payload", Reason: "unexpected data after the payload object"}
	}

	if d, ok := p.(defaulter); ok {
		d.setDefaults()
	}

	if err := validate.Struct(p); err != nil {
		return nil, &FieldError{Field: "payload", Reason: "validation failed", Err: err}
	}

	return p, nil
}

// DecodePayload parses the payload of an existing job.
func DecodePayload(j *Job) (Payload, error) {
	return ParsePayload(j.Type, j.Payload)
}
