// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ValidationError marks a payload that cannot be normalized into a typed
// event. The entry carrying it is routed to the batch's invalid set; it
// never aborts batch processing.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: field %q: %s", e.Field, e.Reason)
}

// IsValidation reports whether err (or anything it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// singleton validator instance; caches struct metadata across calls.
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateEvent runs struct validation and converts the first failure into
// a ValidationError.
func validateEvent(ev any) error {
	err := getValidator().Struct(ev)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return &ValidationError{Field: f.Field(), Reason: "failed " + f.Tag() + " validation"}
	}
	return &ValidationError{Field: "", Reason: err.Error()}
}

// stringField extracts a string value from the raw payload. Empty strings
// are treated as absent per the normalization contract.
func stringField(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// requireString extracts a non-empty string or fails with a ValidationError.
func requireString(raw map[string]any, key string) (string, error) {
	s := stringField(raw, key)
	if s == "" {
		return "", &ValidationError{Field: key, Reason: "required field missing or empty"}
	}
	return s, nil
}

// boolField extracts a boolean, tolerating the JSON decoder's types.
func boolField(raw map[string]any, key string) bool {
	v, ok := raw[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	default:
		return false
	}
}

// numberField extracts a numeric value. JSON decoding yields float64.
func numberField(raw map[string]any, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// timeField parses an RFC3339 timestamp, defaulting to now when absent.
// A present but malformed timestamp is a validation failure.
func timeField(raw map[string]any, key string) (time.Time, error) {
	s := stringField(raw, key)
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: key, Reason: "not an RFC3339 timestamp"}
	}
	return t, nil
}

// kindField extracts and validates the event kind for the channel.
// fallback is used when the payload omits the kind entirely (the link
// channel has a single implicit kind).
func kindField(raw map[string]any, channel Channel, fallback Kind) (Kind, error) {
	s := stringField(raw, "event")
	if s == "" {
		if fallback != "" {
			return fallback, nil
		}
		return "", &ValidationError{Field: "event", Reason: "required field missing or empty"}
	}
	k := Kind(s)
	if !channel.ValidKind(k) {
		return "", &ValidationError{Field: "event", Reason: fmt.Sprintf("unknown %s event kind %q", channel, s)}
	}
	return k, nil
}

// NormalizeLink converts a raw link-click payload into a LinkEvent.
func NormalizeLink(raw map[string]any) (*LinkEvent, error) {
	linkID, err := requireString(raw, "link")
	if err != nil {
		return nil, err
	}
	kind, err := kindField(raw, ChannelLink, KindClicked)
	if err != nil {
		return nil, err
	}
	receivedAt, err := timeField(raw, "received_at")
	if err != nil {
		return nil, err
	}

	ua := stringField(raw, "user_agent")
	ev := &LinkEvent{
		LinkID:     linkID,
		Kind:       kind,
		ReceivedAt: receivedAt,
		Country:    stringField(raw, "country"),
		Region:     stringField(raw, "region"),
		City:       stringField(raw, "city"),
		DeviceType: DeviceType(ua),
		UserAgent:  ua,
		Correction: boolField(raw, "correction"),
	}
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NormalizeEmail converts a raw email lifecycle payload into an EmailEvent.
func NormalizeEmail(raw map[string]any) (*EmailEvent, error) {
	emailID, err := requireString(raw, "email")
	if err != nil {
		return nil, err
	}
	kind, err := kindField(raw, ChannelEmail, "")
	if err != nil {
		return nil, err
	}
	receivedAt, err := timeField(raw, "received_at")
	if err != nil {
		return nil, err
	}

	ev := &EmailEvent{
		EmailID:    emailID,
		Kind:       kind,
		ReceivedAt: receivedAt,
		Provider:   stringField(raw, "esp_provider"),
		ContactID:  stringField(raw, "contact"),
		Correction: boolField(raw, "correction"),
	}
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NormalizeSMS converts a raw SMS status payload into an SMSEvent.
func NormalizeSMS(raw map[string]any) (*SMSEvent, error) {
	smsID, err := requireString(raw, "sms")
	if err != nil {
		return nil, err
	}
	kind, err := kindField(raw, ChannelSMS, "")
	if err != nil {
		return nil, err
	}
	receivedAt, err := timeField(raw, "received_at")
	if err != nil {
		return nil, err
	}

	ev := &SMSEvent{
		SMSID:      smsID,
		Kind:       kind,
		ReceivedAt: receivedAt,
		Direction:  stringField(raw, "direction"),
		PriceUnit:  stringField(raw, "price_unit"),
		Correction: boolField(raw, "correction"),
	}
	if price, ok := numberField(raw, "price"); ok {
		ev.Price = &price
	}
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NormalizeCall converts a raw voice-call status payload into a CallEvent.
func NormalizeCall(raw map[string]any) (*CallEvent, error) {
	callID, err := requireString(raw, "call")
	if err != nil {
		return nil, err
	}
	kind, err := kindField(raw, ChannelCall, "")
	if err != nil {
		return nil, err
	}
	receivedAt, err := timeField(raw, "received_at")
	if err != nil {
		return nil, err
	}

	ev := &CallEvent{
		CallID:     callID,
		Kind:       kind,
		ReceivedAt: receivedAt,
		Direction:  stringField(raw, "direction"),
		Country:    stringField(raw, "country"),
		State:      stringField(raw, "state"),
		City:       stringField(raw, "city"),
		Correction: boolField(raw, "correction"),
	}
	if d, ok := numberField(raw, "duration"); ok {
		dur := int(d)
		ev.Duration = &dur
	}
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NormalizeContact converts a raw contact lifecycle payload into a
// ContactEvent. fallback supplies the implicit kind for streams that carry
// a single event type (contact creation).
func NormalizeContact(raw map[string]any, fallback Kind) (*ContactEvent, error) {
	contactID, err := requireString(raw, "contact")
	if err != nil {
		return nil, err
	}
	kind, err := kindField(raw, ChannelContact, fallback)
	if err != nil {
		return nil, err
	}
	receivedAt, err := timeField(raw, "received_at")
	if err != nil {
		return nil, err
	}

	ev := &ContactEvent{
		ContactID:  contactID,
		Kind:       kind,
		ReceivedAt: receivedAt,
		Country:    stringField(raw, "country"),
		State:      stringField(raw, "state"),
		Region:     stringField(raw, "region"),
		Correction: boolField(raw, "correction"),
	}
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
