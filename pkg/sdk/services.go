package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"medqueue/internal/model"
)

type AuthService struct{ client *Client }
type TokensService struct{ client *Client }
type CountersService struct{ client *Client }
type AdminService struct{ client *Client }
type PatientsService struct{ client *Client }

func (s *AuthService) Login(ctx context.Context, username, password string) (model.LoginResponse, error) {
	var out model.LoginResponse
	err := s.client.do(ctx, http.MethodPost, "/api/auth/login", model.LoginRequest{Username: username, Password: password}, &out)
	return out, err
}

// CreatePatient registers a patient and issues their token.
func (s *TokensService) CreatePatient(ctx context.Context, req model.PatientTokenRequest) (model.Token, error) {
	var out model.Token
	err := s.client.do(ctx, http.MethodPost, "/api/tokens/patient", req, &out)
	return out, err
}

func (s *TokensService) ByStatus(ctx context.Context, status model.TokenStatus) ([]model.Token, error) {
	var out []model.Token
	err := s.client.do(ctx, http.MethodGet, "/api/tokens/status/"+url.PathEscape(string(status)), nil, &out)
	return out, err
}

// ETA returns the backend's estimated wait in minutes.
func (s *TokensService) ETA(ctx context.Context, tokenID int64) (int64, error) {
	var out int64
	err := s.client.do(ctx, http.MethodGet, fmt.Sprintf("/api/metrics/eta/%d", tokenID), nil, &out)
	return out, err
}

func (s *CountersService) CallNext(ctx context.Context, counterID, serviceTypeID int64) (model.Token, error) {
	var out model.Token
	err := s.client.do(ctx, http.MethodPost, fmt.Sprintf("/api/counters/%d/call-next/%d", counterID, serviceTypeID), nil, &out)
	return out, err
}

func (s *CountersService) Complete(ctx context.Context, tokenID int64) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/counters/tokens/%d/complete", tokenID), nil, nil)
}

func (s *CountersService) Skip(ctx context.Context, tokenID int64) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/counters/tokens/%d/skip", tokenID), nil, nil)
}

// SetStatus changes a counter's availability. The backend route for this is
// not final yet.
func (s *CountersService) SetStatus(ctx context.Context, counterID int64, status model.CounterStatus) error {
	body := map[string]model.CounterStatus{"status": status}
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/counters/%d/status", counterID), body, nil)
}

func (s *AdminService) Services(ctx context.Context) ([]model.Service, error) {
	var out []model.Service
	err := s.client.do(ctx, http.MethodGet, "/api/admin/services", nil, &out)
	return out, err
}

func (s *AdminService) CreateService(ctx context.Context, svc model.Service) (model.Service, error) {
	var out model.Service
	err := s.client.do(ctx, http.MethodPost, "/api/admin/services", svc, &out)
	return out, err
}

func (s *AdminService) Counters(ctx context.Context) ([]model.Counter, error) {
	var out []model.Counter
	err := s.client.do(ctx, http.MethodGet, "/api/admin/counters", nil, &out)
	return out, err
}

func (s *AdminService) CreateCounter(ctx context.Context, req model.CounterRequest) (model.Counter, error) {
	var out model.Counter
	err := s.client.do(ctx, http.MethodPost, "/api/admin/counters", req, &out)
	return out, err
}

func (s *AdminService) Summary(ctx context.Context) (model.Summary, error) {
	var out model.Summary
	err := s.client.do(ctx, http.MethodGet, "/api/admin/dashboard/summary", nil, &out)
	return out, err
}

func (s *AdminService) DoctorLoad(ctx context.Context) ([]model.DoctorLoad, error) {
	var out []model.DoctorLoad
	err := s.client.do(ctx, http.MethodGet, "/api/admin/dashboard/doctors", nil, &out)
	return out, err
}

func (s *AdminService) ServiceStats(ctx context.Context) ([]model.ServiceStats, error) {
	var out []model.ServiceStats
	err := s.client.do(ctx, http.MethodGet, "/api/admin/dashboard/services", nil, &out)
	return out, err
}

func (s *AdminService) PendingEmergencies(ctx context.Context) ([]model.Token, error) {
	var out []model.Token
	err := s.client.do(ctx, http.MethodGet, "/api/admin/emergencies", nil, &out)
	return out, err
}

func (s *AdminService) ApproveEmergency(ctx context.Context, tokenID int64) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/admin/emergencies/%d/approve", tokenID), nil, nil)
}

func (s *AdminService) RejectEmergency(ctx context.Context, tokenID int64) error {
	return s.client.do(ctx, http.MethodPut, fmt.Sprintf("/api/admin/emergencies/%d/reject", tokenID), nil, nil)
}

// History lists a patient's visits by phone number.
func (s *PatientsService) History(ctx context.Context, phone string) ([]model.HistoryEntry, error) {
	return s.history(ctx, "/api/patients/history", phone)
}

func (s *PatientsService) HistoryByService(ctx context.Context, phone string, serviceID int64) ([]model.HistoryEntry, error) {
	return s.history(ctx, fmt.Sprintf("/api/patients/history/service/%d", serviceID), phone)
}

func (s *PatientsService) HistoryByDoctor(ctx context.Context, phone string, doctorID int64) ([]model.HistoryEntry, error) {
	return s.history(ctx, fmt.Sprintf("/api/patients/history/doctor/%d", doctorID), phone)
}

func (s *PatientsService) history(ctx context.Context, path, phone string) ([]model.HistoryEntry, error) {
	var out []model.HistoryEntry
	err := s.client.do(ctx, http.MethodGet, path+"?"+url.Values{"phone": {phone}}.Encode(), nil, &out)
	return out, err
}
