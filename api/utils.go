package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"argus/config"
	"argus/detect"
	"argus/storage"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	// maxBodyBytes bounds request bodies
	maxBodyBytes = 1 << 20

	// maxErrorMessageLength bounds error text returned to clients
	maxErrorMessageLength = 512
)

var (
	connectionStringPattern = regexp.MustCompile(`(?:sqlite|redis|https?)://[^\s"']+`)
	secretPattern           = regexp.MustCompile(`(?i)(password|secret|token|api_key|apikey)[:=]\s*["']?[^"'\s]+["']?`)
)

// sanitizeErrorMessage removes connection strings and secrets before a message reaches a client
func sanitizeErrorMessage(message string) string {
	message = connectionStringPattern.ReplaceAllString(message, "[REDACTED_URL]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// errorResponse is the JSON body of every error reply
type errorResponse struct {
	Error string `json:"error"`
}

// writeError writes an error response to the client and logs it with proper sanitization
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if statusCode >= http.StatusInternalServerError {
			logger.Errorw(message, "error", err, "status_code", statusCode)
		} else {
			logger.Debugw(message, "error", err, "status_code", statusCode)
		}
	}

	if err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: sanitizeErrorMessage(message)})
}

// statusFor maps domain sentinel errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrDetectionNotFound),
		errors.Is(err, storage.ErrEventNotFound),
		errors.Is(err, detect.ErrRuleNotFound),
		errors.Is(err, detect.ErrSignatureNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, detect.ErrDuplicateRule),
		errors.Is(err, detect.ErrDuplicateSignature):
		return http.StatusConflict
	case errors.Is(err, config.ErrInvalidSetting),
		errors.Is(err, detect.ErrInvalidRule),
		errors.Is(err, detect.ErrInvalidSignature):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the status its sentinel maps to
func (a *API) writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err, a.logger)
}

// respondJSON writes a JSON response with proper error handling
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// decodeJSONBody decodes a size-limited JSON body. Unknown fields are
// ignored so producers can send richer events than Argus models.
func (a *API) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}

	var syntaxError *json.SyntaxError
	var unmarshalTypeError *json.UnmarshalTypeError
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(err, &syntaxError):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON syntax at byte offset %d", syntaxError.Offset), nil, a.logger)
	case errors.As(err, &unmarshalTypeError):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid type for field '%s'", unmarshalTypeError.Field), nil, a.logger)
	case errors.As(err, &maxBytesError):
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil, a.logger)
	default:
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err, a.logger)
	}
	return err
}

// validateRequest runs struct validation and writes a 400 listing the failed fields
func (a *API) validateRequest(w http.ResponseWriter, req interface{}) bool {
	err := a.validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "Invalid request", err, a.logger)
		return false
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	writeError(w, http.StatusBadRequest, "Invalid request fields: "+strings.Join(fields, ", "), nil, a.logger)
	return false
}
