package sbi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

const ProblemContentType = "application/problem+json"

// ProblemDetails is the RFC 7807 body used for every error reply.
type ProblemDetails struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

func NewProblem(status int, detail string) ProblemDetails {
	return ProblemDetails{Title: http.StatusText(status), Status: status, Detail: detail}
}

func (p ProblemDetails) Encode() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return []byte(`{"title":"Internal Server Error","status":500}`)
	}
	return b
}

func writeProblem(c *gin.Context, status int, detail string) {
	c.Data(status, ProblemContentType, NewProblem(status, detail).Encode())
}
