package apierror

// ApiError is the JSON error body returned by the public API.
type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
