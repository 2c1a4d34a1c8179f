// Package errors provides RFC 7807 Problem Details responses for the HTTP surface
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContentType is the media type of a problem details body
const ContentType = "application/problem+json"

// Problem type URIs
const (
	TypeNotFound       = "https://tickercast.dev/problems/not-found"
	TypeEmptySnapshot  = "https://tickercast.dev/problems/empty-snapshot"
	TypeUnknownChannel = "https://tickercast.dev/problems/unknown-channel"
	TypeInternalError  = "https://tickercast.dev/problems/internal-error"
)

// Problem titles
const (
	TitleNotFound       = "Not Found"
	TitleEmptySnapshot  = "No Value Ingested"
	TitleUnknownChannel = "Unknown Channel"
	TitleInternalError  = "Internal Server Error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 5+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	return json.Marshal(result)
}

// NewNotFoundError creates a not found error problem
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, TitleNotFound, http.StatusNotFound, detail, instance)
}

// NewEmptySnapshotError reports that nothing has been ingested yet
func NewEmptySnapshotError(instance string) *ProblemDetails {
	return NewProblemDetails(TypeEmptySnapshot, TitleEmptySnapshot, http.StatusNotFound,
		"no value has been ingested since startup", instance)
}

// NewUnknownChannelError reports a channel id missing from the catalog
func NewUnknownChannelError(channel, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnknownChannel, TitleUnknownChannel, http.StatusNotFound,
		"channel is not part of the catalog", instance).WithExtra("channel", channel)
}

// NewInternalError creates an internal server error problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// NewProblemDetails creates a generic problem details with all fields
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// Abort writes the problem as the response body and stops the gin handler chain.
func Abort(c *gin.Context, p *ProblemDetails) {
	body, err := json.Marshal(p)
	if err != nil {
		c.AbortWithStatus(p.Status)
		return
	}
	c.Data(p.Status, ContentType, body)
	c.Abort()
}
