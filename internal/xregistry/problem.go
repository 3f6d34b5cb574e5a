package xregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies an error class in the xRegistry taxonomy. The code is
// also the final segment of the problem "type" URI.
type ErrorCode string

const (
	// 4xx client errors
	CodeInvalidData     ErrorCode = "invalid_data"
	CodeCapabilityError ErrorCode = "capability_error"
	CodeEntityNotFound  ErrorCode = "entity_not_found"
	CodeAPINotFound     ErrorCode = "api_not_found"
	CodeUnauthorized    ErrorCode = "unauthorized"
	CodeForbidden       ErrorCode = "forbidden"

	// 5xx server errors
	CodeInternalError      ErrorCode = "internal_error"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeGatewayTimeout     ErrorCode = "gateway_timeout"
)

const problemTypeBase = "https://xregistry.io/errors/"

// Problem is an RFC 9457 problem details document. It implements error so
// handlers can return one through ordinary error plumbing and have the HTTP
// boundary render it.
type Problem struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Extra    map[string]any `json:"-"`
}

// NewProblem creates a problem for the given code with its canonical HTTP
// status and title.
func NewProblem(code ErrorCode, detail string) *Problem {
	return &Problem{
		Type:   problemTypeBase + string(code),
		Title:  titleFor(code),
		Status: statusFor(code),
		Detail: detail,
	}
}

// Problemf is NewProblem with a formatted detail.
func Problemf(code ErrorCode, format string, args ...any) *Problem {
	return NewProblem(code, fmt.Sprintf(format, args...))
}

func (p *Problem) Error() string {
	if p.Detail == "" {
		return p.Title
	}
	return p.Title + ": " + p.Detail
}

// WithExtension adds an extension member to the problem document.
func (p *Problem) WithExtension(key string, value any) *Problem {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON flattens extension members into the top-level object.
func (p *Problem) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, 5+len(p.Extra))
	doc["type"] = p.Type
	doc["title"] = p.Title
	doc["status"] = p.Status
	if p.Detail != "" {
		doc["detail"] = p.Detail
	}
	if p.Instance != "" {
		doc["instance"] = p.Instance
	}
	for k, v := range p.Extra {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// Code extracts the error code from the problem type URI.
func (p *Problem) Code() ErrorCode {
	for i := len(p.Type) - 1; i >= 0; i-- {
		if p.Type[i] == '/' {
			return ErrorCode(p.Type[i+1:])
		}
	}
	return ErrorCode(p.Type)
}

// AsProblem unwraps err into a *Problem, or wraps it as internal_error.
func AsProblem(err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return NewProblem(CodeInternalError, err.Error())
}

// WriteProblem renders the problem to w with instance set from the request.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *Problem) {
	if p.Instance == "" && r != nil {
		p.Instance = r.URL.RequestURI()
	}
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError renders any error: problems keep their status, everything else
// becomes internal_error.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	WriteProblem(w, r, AsProblem(err))
}

func statusFor(code ErrorCode) int {
	switch code {
	case CodeInvalidData, CodeCapabilityError:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeEntityNotFound, CodeAPINotFound:
		return http.StatusNotFound
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func titleFor(code ErrorCode) string {
	switch code {
	case CodeInvalidData:
		return "Invalid data"
	case CodeCapabilityError:
		return "Capability error"
	case CodeEntityNotFound:
		return "Entity not found"
	case CodeAPINotFound:
		return "API not found"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeForbidden:
		return "Forbidden"
	case CodeServiceUnavailable:
		return "Service unavailable"
	case CodeGatewayTimeout:
		return "Gateway timeout"
	default:
		return "Internal error"
	}
}
