// Package alertstore keeps the in-memory collection of notification alerts shown on
// classroom dashboards. It performs no I/O; producers call Add, UI
// surfaces query snapshots and flip read/resolved flags.
package alertstore

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-alerts/internal/models"
)

// Outcome reports what a mutation did to the targeted alert.
type Outcome int

const (
	// OutcomeNotFound means no alert with that id exists; this is not an error.
	OutcomeNotFound Outcome = iota
	// OutcomeUnchanged means the alert was already in the requested state.
	OutcomeUnchanged
	// OutcomeChanged means the alert was updated by this call.
	OutcomeChanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeChanged:
		return "changed"
	default:
		return "not_found"
	}
}

// Found reports whether the targeted alert existed.
func (o Outcome) Found() bool { return o != OutcomeNotFound }

// Input is the payload accepted by Add.
type Input struct {
	SubjectID *string    `json:"subject_id" validate:"omitempty,max=64"`
	Category  string     `json:"category" validate:"required,oneof=attention emotion achievement system performance drowsiness engagement"`
	Message   string     `json:"message" validate:"required,max=2000"`
	Priority  string     `json:"priority" validate:"required,oneof=low medium high critical"`
	CreatedAt *time.Time `json:"created_at"`
}

// Stats summarises the store at a single point in time.
type Stats struct {
	Total            int
	Unread           int
	Active           int
	ActiveByPriority map[models.Priority]int
	ActiveByCategory map[models.Category]int
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the clock used for defaulted timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithValidator shares an existing validator instance with the store.
func WithValidator(v *validator.Validate) Option {
	return func(s *Store) {
		if v != nil {
			s.validate = v
		}
	}
}

// Store holds alerts in insertion order. All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	records  []*models.Alert
	byID     map[uint64]*models.Alert
	lastID   uint64
	unread   int
	now      func() time.Time
	validate *validator.Validate
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		byID: make(map[uint64]*models.Alert),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validate == nil {
		s.validate = NewValidator()
	}
	return s
}

// NewValidator returns a validator that reports json field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return v
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}

// Add validates the input and appends a new unread alert.
func (s *Store) Add(input Input) (models.Alert, error) {
	alert, err := s.admit(input)
	if err != nil {
		return models.Alert{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	s.lastID++
	alert.ID = s.lastID
	s.insert(&alert)

	return cloneAlert(alert), nil
}

func (s *Store) admit(input Input) (models.Alert, error) {
	// category and priority must match the enumerations exactly
	input.Message = strings.TrimSpace(input.Message)
	if input.SubjectID != nil {
		trimmed := strings.TrimSpace(*input.SubjectID)
		if trimmed == "" {
			input.SubjectID = nil
		} else {
			input.SubjectID = &trimmed
		}
	}

	if err := s.validate.Struct(input); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return models.Alert{}, fromValidatorErrors(validationErrs)
		}
		return models.Alert{}, fmt.Errorf("validate alert input: %w", err)
	}

	category, _ := models.ParseCategory(input.Category)
	priority, _ := models.ParsePriority(input.Priority)

	alert := models.Alert{
		SubjectID: input.SubjectID,
		Category:  category,
		Message:   input.Message,
		Priority:  priority,
	}
	if input.CreatedAt != nil {
		alert.CreatedAt = input.CreatedAt.UTC()
	}
	return alert, nil
}

func (s *Store) insert(alert *models.Alert) {
	s.records = append(s.records, alert)
	s.byID[alert.ID] = alert
	if !alert.Read {
		s.unread++
	}
}

// MarkRead flags a single alert as read.
func (s *Store) MarkRead(id uint64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return OutcomeNotFound
	}
	if alert.Read {
		return OutcomeUnchanged
	}
	alert.Read = true
	s.decrementUnread()
	return OutcomeChanged
}

// MarkAllRead flags every alert as read and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, alert := range s.records {
		if !alert.Read {
			alert.Read = true
			changed++
		}
	}
	s.unread = 0
	return changed
}

// Resolve closes an alert. Resolved alerts are always read.
func (s *Store) Resolve(id uint64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return OutcomeNotFound
	}
	if alert.Resolved {
		return OutcomeUnchanged
	}
	alert.Resolved = true
	if !alert.Read {
		alert.Read = true
		s.decrementUnread()
	}
	return OutcomeChanged
}

// Remove evicts an alert from the store.
func (s *Store) Remove(id uint64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return OutcomeNotFound
	}
	delete(s.byID, id)
	for i, candidate := range s.records {
		if candidate.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	if !alert.Read {
		s.decrementUnread()
	}
	return OutcomeChanged
}

func (s *Store) decrementUnread() {
	if s.unread > 0 {
		s.unread--
	}
}

// Get returns a copy of the alert with the given id.
func (s *Store) Get(id uint64) (models.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.byID[id]
	if !ok {
		return models.Alert{}, false
	}
	return cloneAlert(*alert), true
}

// Query returns a sorted snapshot of the alerts matching the filter.
func (s *Store) Query(filter Filter) []models.Alert {
	s.mu.RLock()
	out := make([]models.Alert, 0, len(s.records))
	for _, alert := range s.records {
		if filter.Matches(*alert) {
			out = append(out, cloneAlert(*alert))
		}
	}
	s.mu.RUnlock()

	filter.order(out)
	return out
}

// Snapshot returns copies of every alert in insertion order.
func (s *Store) Snapshot() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alert, 0, len(s.records))
	for _, alert := range s.records {
		out = append(out, cloneAlert(*alert))
	}
	return out
}

// UnreadCount returns the number of unread alerts.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// ActiveCount returns the number of unresolved alerts.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	for _, alert := range s.records {
		if !alert.Resolved {
			active++
		}
	}
	return active
}

// Len returns the number of stored alerts, resolved ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats returns consistent counters taken under a single lock.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Total:            len(s.records),
		Unread:           s.unread,
		ActiveByPriority: make(map[models.Priority]int, len(models.Priorities)),
		ActiveByCategory: make(map[models.Category]int, len(models.Categories)),
	}
	for _, alert := range s.records {
		if alert.Resolved {
			continue
		}
		stats.Active++
		stats.ActiveByPriority[alert.Priority]++
		stats.ActiveByCategory[alert.Category]++
	}
	return stats
}

// RestoreError reports a record Restore refused. Position is the record's
// index in the slice passed to Restore.
type RestoreError struct {
	Position int
	Err      error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Position, e.Err)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

// Restore replaces the store contents with previously persisted alerts.
// Records that fail validation or reuse an id are dropped and reported in
// input order.
func (s *Store) Restore(alerts []models.Alert) (int, []*RestoreError) {
	var dropped []*RestoreError
	accepted := make([]*models.Alert, 0, len(alerts))
	seen := make(map[uint64]struct{}, len(alerts))
	var lastID uint64

	for i, candidate := range alerts {
		alert, err := s.check(candidate)
		if err != nil {
			dropped = append(dropped, &RestoreError{Position: i, Err: err})
			continue
		}
		if _, dup := seen[alert.ID]; dup {
			dropped = append(dropped, &RestoreError{Position: i, Err: fmt.Errorf("duplicate id %d", alert.ID)})
			continue
		}
		seen[alert.ID] = struct{}{}
		if alert.ID > lastID {
			lastID = alert.ID
		}
		accepted = append(accepted, &alert)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make([]*models.Alert, 0, len(accepted))
	s.byID = make(map[uint64]*models.Alert, len(accepted))
	s.unread = 0
	if lastID > s.lastID {
		s.lastID = lastID
	}
	for _, alert := range accepted {
		if alert.CreatedAt.IsZero() {
			alert.CreatedAt = s.now().UTC()
		}
		s.insert(alert)
	}

	return len(accepted), dropped
}

func (s *Store) check(candidate models.Alert) (models.Alert, error) {
	if candidate.ID == 0 {
		return models.Alert{}, newValidationError(FieldError{Field: "id", Message: "required"})
	}

	input := Input{
		SubjectID: candidate.SubjectID,
		Category:  string(candidate.Category),
		Message:   candidate.Message,
		Priority:  string(candidate.Priority),
	}
	alert, err := s.admit(input)
	if err != nil {
		return models.Alert{}, err
	}

	alert.ID = candidate.ID
	alert.CreatedAt = candidate.CreatedAt.UTC()
	alert.Read = candidate.Read || candidate.Resolved
	alert.Resolved = candidate.Resolved
	return alert, nil
}

func cloneAlert(alert models.Alert) models.Alert {
	if alert.SubjectID != nil {
		subject := *alert.SubjectID
		alert.SubjectID = &subject
	}
	return alert
}
