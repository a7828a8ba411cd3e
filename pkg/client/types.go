package client

import "github.com/loykin/routerctl"

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// PIDResponse is returned by start and restart.
type PIDResponse struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// StopResponse is returned by stop.
type StopResponse struct {
	Name    string `json:"name"`
	Stopped bool   `json:"stopped"`
}

// activationError is the body of an activation that committed but whose
// restart failed.
type activationError struct {
	Activation routerctl.Activation `json:"activation"`
	Error      string               `json:"error"`
}
