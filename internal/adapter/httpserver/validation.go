package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

const maxTaskBody = 1 << 20

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// TaskRequest is the JSON body shared by every worker task endpoint.
type TaskRequest struct {
	Prompt            string                  `json:"prompt" validate:"required"`
	SystemInstruction string                  `json:"system_instruction"`
	GenerationConfig  domain.GenerationConfig `json:"generation_config"`
	Cacheable         bool                    `json:"cacheable"`
	CacheScope        string                  `json:"cache_scope" validate:"max=128"`
	// Classification is read by the coach task only.
	Classification *domain.ClassificationRecord `json:"classification,omitempty"`
}

// GenerationRequest converts the body into the gateway's request type.
func (t TaskRequest) GenerationRequest() domain.GenerationRequest {
	return domain.GenerationRequest{
		Prompt:            t.Prompt,
		SystemInstruction: t.SystemInstruction,
		Config:            t.GenerationConfig,
		Cacheable:         t.Cacheable,
		CacheScope:        t.CacheScope,
	}
}

// decodeTask reads, decodes and validates a task body. Field errors are
// returned as details keyed by lowercase field name.
func decodeTask(w http.ResponseWriter, r *http.Request) (TaskRequest, map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTaskBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req TaskRequest
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return req, nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrInvalidArgument, maxTaskBody)
		}
		if errors.Is(err, io.EOF) {
			return req, nil, fmt.Errorf("%w: empty body", domain.ErrInvalidArgument)
		}
		return req, nil, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(req); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return req, verrs, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	return req, nil, nil
}

// acceptsJSON reports whether the Accept header allows a JSON response.
func acceptsJSON(r *http.Request) bool {
	a := r.Header.Get("Accept")
	return a == "" || strings.Contains(a, "*/*") || strings.Contains(a, "application/json")
}
