package models

// APIError is the error body returned by the REST surface.
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
