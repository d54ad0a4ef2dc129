package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"snowbird/pkg/apperr"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write JSON response", zap.Error(err))
	}
}

// writeError maps err's kind onto the response status. Unavailable
// responses tell the caller when to retry.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		kind = apperr.InvalidArgument
	}

	resp := errorResponse{Error: kind.String(), Message: err.Error()}
	if kind == apperr.Unavailable {
		resp.RetryAfter = apperr.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(apperr.RetryAfterSeconds))
	}

	if kind == apperr.Internal {
		s.logger.Error("Request error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err))
	}
	s.writeJSON(w, kind.HTTPStatus(), resp)
}

// decodeJSON reads a JSON body into v; malformed bodies are InvalidArgument.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "invalid request body")
	}
	return nil
}
