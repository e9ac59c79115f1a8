package validation

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MaxPayloadBytes caps the serialized size of caller-supplied payloads.
	MaxPayloadBytes = 1 << 20
	// MaxPayloadDepth caps nesting so scope resolution and merging stay bounded.
	MaxPayloadDepth = 32
)

// PayloadValidator validates caller-supplied JSON payloads (run inputs,
// resume payloads, webhook bodies) before they enter an execution's scope.
type PayloadValidator struct{}

// NewPayloadValidator creates a new payload validator
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{}
}

// Validate checks a decoded payload object. Top-level keys must not use
// the reserved __ prefix (those names belong to the engine's scope), and
// nesting is capped at MaxPayloadDepth.
func (v *PayloadValidator) Validate(payload map[string]interface{}) error {
	for key := range payload {
		if strings.HasPrefix(key, "__") {
			return fmt.Errorf("payload validation failed: key %q uses the reserved __ prefix", key)
		}
	}

	for key, value := range payload {
		if err := v.checkDepth(value, 1); err != nil {
			return fmt.Errorf("payload key %q: %w", key, err)
		}
	}

	return nil
}

// ValidateBytes enforces the size cap, requires a JSON object, and then
// applies the same checks as Validate. An empty body is valid and yields
// an empty map.
func (v *PayloadValidator) ValidateBytes(data []byte) (map[string]interface{}, error) {
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload validation failed: %d bytes exceeds the %d byte limit", len(data), MaxPayloadBytes)
	}
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}

	payload := map[string]interface{}{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload validation failed: body must be a JSON object: %w", err)
	}

	if err := v.Validate(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// checkDepth walks a decoded value and fails once nesting passes the cap
func (v *PayloadValidator) checkDepth(value interface{}, depth int) error {
	if depth > MaxPayloadDepth {
		return fmt.Errorf("payload validation failed: nesting exceeds %d levels", MaxPayloadDepth)
	}

	switch t := value.(type) {
	case map[string]interface{}:
		for _, child := range t {
			if err := v.checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range t {
			if err := v.checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}
