package handlers

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	OK    bool `json:"ok"`
	Data  any  `json:"data"`
	Error any  `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		OK:   status >= 200 && status < 300,
		Data: data,
	})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		OK:    false,
		Error: apiError{Code: code, Message: message},
	})
}

// WriteErrPublic lets middleware answer in the same envelope.
func WriteErrPublic(w http.ResponseWriter, status int, code, message string) {
	writeErr(w, status, code, message)
}
