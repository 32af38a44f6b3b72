package logger

import (
	"github.com/google/uuid"
)

// GenerateCorrelationID generates a new correlation ID (UUID v4)
func GenerateCorrelationID() string {
	return uuid.NewString()
}
