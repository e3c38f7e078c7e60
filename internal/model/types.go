package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TokenStatus string

const (
	TokenStatusWaiting         TokenStatus = "WAITING"
	TokenStatusCalled          TokenStatus = "CALLED"
	TokenStatusServing         TokenStatus = "SERVING"
	TokenStatusCompleted       TokenStatus = "COMPLETED"
	TokenStatusSkipped         TokenStatus = "SKIPPED"
	TokenStatusPendingApproval TokenStatus = "PENDING_APPROVAL"
	TokenStatusCancelled       TokenStatus = "CANCELLED"
)

type CounterStatus string

const (
	CounterStatusOpen      CounterStatus = "OPEN"
	CounterStatusClosed    CounterStatus = "CLOSED"
	CounterStatusAvailable CounterStatus = "AVAILABLE"
	CounterStatusOnBreak   CounterStatus = "ON_BREAK"
)

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
	GenderOther  Gender = "OTHER"
)

// Timestamp accepts the zone-less ISO datetimes the backend emits and reads
// them in the local zone. JSON null or "" decode to the zero value.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	for i, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02T15:04:05")
}

// Token is a patient's place in a department queue as reported by the backend.
type Token struct {
	ID          int64       `json:"id"`
	TokenNumber string      `json:"tokenNumber"`
	ServiceName string      `json:"serviceName,omitempty"`
	Status      TokenStatus `json:"status"`
	Priority    bool        `json:"priority"`
	CounterName string      `json:"counterName,omitempty"`
	DoctorName  string      `json:"doctorName,omitempty"`
	PatientName string      `json:"patientName,omitempty"`
	CreatedAt   Timestamp   `json:"createdAt"`
	CalledAt    Timestamp   `json:"calledAt"`
	CompletedAt Timestamp   `json:"completedAt"`
}

func (t Token) PriorityLabel() string {
	if t.Priority {
		return "URGENT"
	}
	return "NORMAL"
}

type Service struct {
	ID              int64  `json:"id,omitempty"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	AvgServiceTime  int    `json:"avgServiceTime"`
	PriorityAllowed bool   `json:"priorityAllowed"`
}

type Counter struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name"`
	Status CounterStatus `json:"status"`
}

type CounterRequest struct {
	Name   string        `json:"name"`
	Status CounterStatus `json:"status"`
}

type Summary struct {
	TokensServedToday int64 `json:"tokensServedToday"`
	WaitingTokens     int64 `json:"waitingTokens"`
	EmergencyPending  int64 `json:"emergencyPending"`
	EmergencyApproved int64 `json:"emergencyApproved"`
}

type DoctorLoad struct {
	DoctorID       int64  `json:"doctorId"`
	DoctorName     string `json:"doctorName"`
	WaitingCount   int64  `json:"waitingCount"`
	ServingCount   int64  `json:"servingCount"`
	CompletedToday int64  `json:"completedToday"`
}

type ServiceStats struct {
	ServiceID             int64   `json:"serviceId"`
	ServiceName           string  `json:"serviceName"`
	AvgServiceTimeMinutes float64 `json:"avgServiceTimeMinutes"`
	WaitingCount          int64   `json:"waitingCount"`
}

type HistoryEntry struct {
	TokenNumber string      `json:"tokenNumber"`
	ServiceName string      `json:"serviceName"`
	DoctorName  string      `json:"doctorName,omitempty"`
	Status      TokenStatus `json:"status"`
	CreatedAt   Timestamp   `json:"createdAt"`
	CompletedAt Timestamp   `json:"completedAt"`
}

type Patient struct {
	Name      string `json:"name"`
	Age       *int   `json:"age"`
	Phone     string `json:"phone"`
	Gender    Gender `json:"gender,omitempty"`
	MedicalID string `json:"medicalId,omitempty"`
}

type PatientTokenRequest struct {
	Patient       Patient `json:"patient"`
	ServiceTypeID int64   `json:"serviceTypeId"`
	DoctorID      *int64  `json:"doctorId,omitempty"`
	Urgent        bool    `json:"urgent"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}
