package rpc

import "net/http"

// Response is the rendered outcome of a call. Actions return one directly
// (an advanced response) when they need a status other than 200, headers,
// a redirect or raw bytes. Plain results are wrapped with status 200.
type Response struct {
	Status  int
	Data    any
	Headers map[string]string
}

// ErrorBody is the uniform error envelope
type ErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
}

// Advanced builds a response with an explicit status, payload and headers
func Advanced(status int, data any, headers map[string]string) *Response {
	return &Response{Status: status, Data: data, Headers: headers}
}

// Redirect answers with 302 to location
func Redirect(location string) *Response {
	return Advanced(http.StatusFound, location, nil)
}

// Raw answers with binary content
func Raw(contentType string, body []byte, headers map[string]string) *Response {
	h := map[string]string{"Content-Type": contentType}
	for k, v := range headers {
		h[k] = v
	}
	return Advanced(http.StatusOK, body, h)
}

// IsRedirect reports a 3xx response
func (r *Response) IsRedirect() bool {
	return r.Status/100 == 3
}

// IsRaw reports a binary payload
func (r *Response) IsRaw() bool {
	_, ok := r.Data.([]byte)
	return ok
}

// Failed reports a 4xx or 5xx response
func (r *Response) Failed() bool {
	return r.Status >= http.StatusBadRequest
}

// NotFound is returned for unknown endpoints and methods
func NotFound() *Response {
	return Advanced(http.StatusNotFound, ErrorBody{Error: "API endpoint not found"}, nil)
}

// Forbidden is returned when the access predicate denies the call
func Forbidden() *Response {
	return Advanced(http.StatusForbidden, ErrorBody{Error: "Access denied"}, nil)
}

// Unsafe is returned if an internal descriptor ever reaches the public path
func Unsafe() *Response {
	return Advanced(http.StatusForbidden, ErrorBody{Error: "Requested endpoint is unsecure"}, nil)
}

// ServerError wraps an action or collaborator failure
func ServerError(err error) *Response {
	return Advanced(http.StatusInternalServerError, ErrorBody{Error: "Server error", Description: err.Error()}, nil)
}

// BadRequest reports a payload the action could not accept
func BadRequest(err error) *Response {
	return Advanced(http.StatusBadRequest, ErrorBody{Error: "Bad request", Description: err.Error()}, nil)
}
