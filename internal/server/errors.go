package server

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/spigell/cv-screener/internal/apperr"
	"github.com/spigell/cv-screener/internal/documents"
	"github.com/spigell/cv-screener/internal/pipeline"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// httpStatus maps an error to a response status and a stable error code.
func httpStatus(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest, string(apperr.CodeValidation)
	case errors.Is(err, documents.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, pipeline.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	}

	switch code := apperr.CodeOf(err); code {
	case apperr.CodeNotFound:
		return http.StatusNotFound, string(code)
	case apperr.CodeValidation:
		return http.StatusBadRequest, string(code)
	case apperr.CodeInvalidTransition:
		return http.StatusConflict, string(code)
	case apperr.CodeUpstream:
		return http.StatusBadGateway, string(code)
	default:
		return http.StatusInternalServerError, string(apperr.CodeInternal)
	}
}

func fieldOf(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return apperr.FieldOf(err)
}
