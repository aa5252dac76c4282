package api

import (
	"errors"
	"net/http"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/services"
)

// StatusClientClosedRequest reports a request whose operation was cancelled.
const StatusClientClosedRequest = 499

// HTTPStatus maps an error onto a response code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var maxErr *http.MaxBytesError
	if errors.Is(err, acquisition.ErrTooLarge) || errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch services.Classify(err) {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict:
		return http.StatusConflict
	case services.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds the response body for err.
func NewError(err error) ErrorResponse {
	return ErrorResponse{Error: services.Message(err), Kind: string(services.Classify(err))}
}
