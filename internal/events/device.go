// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package events

import "github.com/mileusna/useragent"

// DeviceUnknown is the device-type label used when the user agent is absent
// or cannot be classified.
const DeviceUnknown = "unknown"

// Device-type labels used in link analytics buckets.
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceBot     = "bot"
)

// DeviceType resolves a coarse device-type label from a raw user-agent
// string. Classification that yields nothing falls back to DeviceUnknown.
func DeviceType(rawUA string) string {
	if rawUA == "" {
		return DeviceUnknown
	}
	ua := useragent.Parse(rawUA)
	switch {
	case ua.Bot:
		return DeviceBot
	case ua.Mobile:
		return DeviceMobile
	case ua.Tablet:
		return DeviceTablet
	case ua.Desktop:
		return DeviceDesktop
	}
	if ua.Device != "" {
		return ua.Device
	}
	return DeviceUnknown
}
