package utils

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/nijaru/vid-feedback/errors"
)

func HandleError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// RespondWithError writes err as a JSON error body. Only AppError messages
// reach the client.
func RespondWithError(w http.ResponseWriter, err error) {
	code := errors.HTTPStatus(err)
	message := "Internal server error"
	var appErr *errors.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}

	logrus.WithFields(logrus.Fields{
		"status_code": code,
		"error":       err.Error(),
	}).Error("Request failed")

	HandleError(w, message, code)
}

func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Error("Failed to encode JSON response")
	}
}
