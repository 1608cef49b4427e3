// Package idgen generates short random identifiers for pipeline runs and
// outbound deliveries. They only correlate log lines and webhook requests;
// event identity always comes from the source network.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for the identifier families.
const (
	RunPrefix      = "run-"
	DeliveryPrefix = "dlv-"
)

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 12

// RunID returns an identifier for one pipeline run.
func RunID() string {
	return mustWithPrefix(RunPrefix)
}

// DeliveryID returns an identifier for one outbound webhook call.
func DeliveryID() string {
	return mustWithPrefix(DeliveryPrefix)
}

// WithPrefix returns a new random ID with the given prefix.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// nanoid only fails when the system random source does; correlation ids are
// not worth failing a delivery over, so fall back to a fixed marker.
func mustWithPrefix(prefix string) string {
	id, err := WithPrefix(prefix)
	if err != nil {
		return prefix + "unavailable"
	}
	return id
}
