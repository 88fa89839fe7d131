// Package utils provides common helpers for parsing and validating feed data.
//
// Upstream rows carry every numeric field as a string. The parse helpers here
// favor degraded data over failure: anything unparseable becomes zero.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Error definitions for validation functions
var (
	ErrNoTopics      = errors.New("zero topics requested")
	ErrTooManyTopics = errors.New("too many topics requested")
)

// TopicSet contains the update topics a subscriber may ask for.
var TopicSet = map[string]bool{
	"charts":    true,
	"table":     true,
	"anomalies": true,
	"status":    true,
}

// supportedTopicsCache is pre-computed so validation errors don't rebuild it.
var supportedTopicsCache = getSupportedTopics(TopicSet)

// ValidateTopic checks that a topic name is one of the supported topics.
// The check is case-insensitive.
func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("topic cannot be empty")
	}

	if !TopicSet[strings.ToLower(topic)] {
		return fmt.Errorf("unsupported topic: %s (supported: %s)", topic, supportedTopicsCache)
	}

	return nil
}

// ValidateTopics validates a slice of topics and enforces quantity limits.
func ValidateTopics(topics []string, maxAllowed int) error {
	if len(topics) == 0 {
		return ErrNoTopics
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManyTopics, maxAllowed)
	}

	if len(topics) > maxAllowed {
		return fmt.Errorf("%w: requested %d topics, maximum allowed %d",
			ErrTooManyTopics, len(topics), maxAllowed)
	}

	for i, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			return fmt.Errorf("invalid topic at index %d (%q): %w", i, topic, err)
		}
	}

	return nil
}

// ParseDecimal parses a numeric string, returning zero on any failure.
func ParseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseInt parses an integer string, returning zero on any failure.
// Values written in float notation ("12.0") are truncated.
func ParseInt(s string) int {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return int(ParseDecimal(s).IntPart())
}

// ParseFlag interprets "1", "true" and "yes" (any case) as set.
func ParseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "1.0":
		return true
	default:
		return false
	}
}

// getSupportedTopics builds a sorted, comma-separated list of topics.
func getSupportedTopics(topicSet map[string]bool) string {
	keys := make([]string, 0, len(topicSet))
	for k := range topicSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
