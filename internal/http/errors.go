package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/target/research-fanout/internal/domain/model"
	apperrors "github.com/target/research-fanout/internal/errors"
	"github.com/target/research-fanout/internal/service"
)

// writeServiceError maps a service error onto a status code and error code. Server-side
// failures are logged and answered with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, model.ErrResearchNotFound):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: model.ErrResearchNotFound})
		return
	case errors.Is(err, model.ErrInvalidState):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "invalid_state", Err: model.ErrInvalidState})
		return
	case errors.Is(err, model.ErrRetryExhausted):
		WriteError(w, ErrorParams{Code: http.StatusUnprocessableEntity, ErrCode: "retry_exhausted", Err: model.ErrRetryExhausted})
		return
	case errors.Is(err, service.ErrSubmitThrottled):
		w.Header().Set("Retry-After", "60")
		WriteError(w, ErrorParams{Code: http.StatusTooManyRequests, ErrCode: "throttled", Err: service.ErrSubmitThrottled})
		return
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client disconnected; nobody reads the response.
		return
	}

	err = apperrors.MapDBError(err)
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := statusForCode(appErr.Code)
		if status >= http.StatusInternalServerError {
			logRequestError(r, logger, err)
		}
		WriteError(w, ErrorParams{
			Code:    status,
			ErrCode: string(appErr.Code),
			Err:     errors.New(appErr.Message),
			Field:   appErr.Field,
		})
		return
	}

	logRequestError(r, logger, err)
	WriteError(w, ErrorParams{
		Code:    http.StatusInternalServerError,
		ErrCode: string(apperrors.ErrCodeInternal),
		Err:     errors.New("internal server error"),
	})
}

func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnprocessable:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeCanceled:
		return 499
	case apperrors.ErrCodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func logRequestError(r *http.Request, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(r.Context(), "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
}
