package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// errorBody matches the API's error envelope so middleware rejections
// look the same as handler rejections.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to encode middleware error response")
	}
}
