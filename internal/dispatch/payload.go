package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodePayload unmarshals and validates a raw provider payload into the
// handler's typed structure. Handlers never see unvalidated JSON; a shape
// violation surfaces here as a handler error and goes through the normal
// retry bookkeeping.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("%w: decode payload: %v", domain.ErrInvalidInput, err)
	}
	if err := validate.Struct(&payload); err != nil {
		return payload, fmt.Errorf("%w: validate payload: %v", domain.ErrInvalidInput, err)
	}
	return payload, nil
}
