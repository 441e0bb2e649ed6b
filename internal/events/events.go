// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Package events defines the typed channel events flowing through the
// pipeline and the payload normalizers that produce them from the raw
// dispatcher payloads.
//
// Events are immutable and append-only: each valid batch entry produces
// exactly one event, which is never mutated or deleted afterwards.
package events

import "time"

// Channel identifies the ingestion channel an event belongs to.
type Channel string

// Ingestion channels.
const (
	ChannelLink    Channel = "link"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelCall    Channel = "call"
	ChannelContact Channel = "contact"
)

// Kind is a channel-scoped event kind. The wire values are upper-case
// snake-case tokens; validity depends on the channel.
type Kind string

// Email event kinds.
const (
	KindReceived    Kind = "RECEIVED"
	KindRejected    Kind = "REJECTED"
	KindSent        Kind = "SENT"
	KindDelivered   Kind = "DELIVERED"
	KindOpened      Kind = "OPENED"
	KindLinkClicked Kind = "LINK_CLICKED"
	KindSoftBounce  Kind = "SOFT_BOUNCE"
	KindHardBounce  Kind = "HARD_BOUNCE"
	KindMailboxFull Kind = "MAILBOX_FULL"
	KindReplied     Kind = "REPLIED"
	KindFailed      Kind = "FAILED"
	KindComplaint   Kind = "COMPLAINT"
)

// SMS event kinds (KindSent, KindDelivered, KindFailed, KindReceived shared
// with the email channel).
const (
	KindAccepted    Kind = "ACCEPTED"
	KindQueued      Kind = "QUEUED"
	KindUndelivered Kind = "UNDELIVERED"
)

// Call event kinds (KindRejected, KindFailed shared with the email channel).
const (
	KindInitiated Kind = "INITIATED"
	KindRinging   Kind = "RINGING"
	KindAnswered  Kind = "ANSWERED"
	KindCompleted Kind = "COMPLETED"
	KindDeclined  Kind = "DECLINED"
)

// Link event kinds.
const (
	KindClicked Kind = "CLICKED"
)

// Contact event kinds.
const (
	KindSubscribed   Kind = "SUBSCRIBED"
	KindUnsubscribed Kind = "UNSUBSCRIBED"
	KindCreated      Kind = "CREATED"
)

// Direction of an SMS or voice-call interaction.
const (
	DirectionInbound  = "I"
	DirectionOutbound = "O"
)

var validKinds = map[Channel]map[Kind]struct{}{
	ChannelLink: kindSet(KindClicked),
	ChannelEmail: kindSet(
		KindReceived, KindRejected, KindSent, KindDelivered, KindOpened,
		KindLinkClicked, KindSoftBounce, KindHardBounce, KindMailboxFull,
		KindReplied, KindFailed, KindComplaint,
	),
	ChannelSMS: kindSet(
		KindAccepted, KindQueued, KindSent, KindDelivered, KindUndelivered,
		KindFailed, KindReceived,
	),
	ChannelCall: kindSet(
		KindInitiated, KindRinging, KindAnswered, KindCompleted, KindDeclined,
		KindRejected, KindFailed,
	),
	ChannelContact: kindSet(KindSubscribed, KindUnsubscribed, KindCreated),
}

func kindSet(kinds ...Kind) map[Kind]struct{} {
	s := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// ValidKind reports whether k is a valid event kind for channel c.
func (c Channel) ValidKind(k Kind) bool {
	_, ok := validKinds[c][k]
	return ok
}

// TerminalCallKinds are the call kinds after which no further geo
// information can arrive for a call id.
var TerminalCallKinds = kindSet(KindCompleted, KindDeclined, KindRejected, KindFailed)

// IsTerminalCallKind reports whether k terminates a voice call.
func IsTerminalCallKind(k Kind) bool {
	_, ok := TerminalCallKinds[k]
	return ok
}

// LinkEvent is a single tracked-link click.
type LinkEvent struct {
	LinkID     string    `json:"link_id" validate:"required"`
	Kind       Kind      `json:"kind" validate:"required"`
	ReceivedAt time.Time `json:"received_at"`
	Country    string    `json:"country,omitempty"`
	Region     string    `json:"region,omitempty"`
	City       string    `json:"city,omitempty"`
	DeviceType string    `json:"device_type"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Correction bool      `json:"correction,omitempty"`
}

// EmailEvent is a single email lifecycle event.
type EmailEvent struct {
	EmailID    string    `json:"email_id" validate:"required"`
	Kind       Kind      `json:"kind" validate:"required"`
	ReceivedAt time.Time `json:"received_at"`
	Provider   string    `json:"esp_provider,omitempty"`
	ContactID  string    `json:"contact_id,omitempty"`
	Correction bool      `json:"correction,omitempty"`
}

// SMSEvent is a single SMS status event.
type SMSEvent struct {
	SMSID      string    `json:"sms_id" validate:"required"`
	Kind       Kind      `json:"kind" validate:"required"`
	ReceivedAt time.Time `json:"received_at"`
	Direction  string    `json:"direction" validate:"required,oneof=I O"`
	Price      *float64  `json:"price,omitempty"`
	PriceUnit  string    `json:"price_unit,omitempty"`
	Correction bool      `json:"correction,omitempty"`
}

// CallEvent is a single voice-call status event.
type CallEvent struct {
	CallID     string    `json:"call_id" validate:"required"`
	Kind       Kind      `json:"kind" validate:"required"`
	ReceivedAt time.Time `json:"received_at"`
	Direction  string    `json:"direction" validate:"required,oneof=I O"`
	Country    string    `json:"country,omitempty"`
	State      string    `json:"state,omitempty"`
	City       string    `json:"city,omitempty"`
	Duration   *int      `json:"duration,omitempty"`
	Correction bool      `json:"correction,omitempty"`
}

// HasGeo reports whether the event carries enough geo information to
// classify its call. City presence is the deciding signal.
func (e *CallEvent) HasGeo() bool {
	return e.City != ""
}

// ContactEvent is a contact lifecycle event (subscription or creation).
type ContactEvent struct {
	ContactID  string    `json:"contact_id" validate:"required"`
	Kind       Kind      `json:"kind" validate:"required"`
	ReceivedAt time.Time `json:"received_at"`
	Country    string    `json:"country,omitempty"`
	State      string    `json:"state,omitempty"`
	Region     string    `json:"region,omitempty"`
	Correction bool      `json:"correction,omitempty"`
}
