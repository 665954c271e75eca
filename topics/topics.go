// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package topics contains helpers for the client-owned topic namespaces.
package topics

import (
	"strings"
)

const (
	Separator  = "/"   // the topic level separator
	DataPrefix = "DAT" // namespace for client data updates, DAT/<identity>/<key>
	LotPrefix  = "LOT" // namespace for client owned lots, LOT/<identity>/...
)

// OwnedPrefixes are the first topic levels under which the second level names
// the owning client.
var OwnedPrefixes = []string{DataPrefix, LotPrefix}

// Split returns the levels of a topic.
func Split(topic string) []string {
	return strings.Split(topic, Separator)
}

// Owned returns true if the topic lies in the identity's own namespace, eg.
// DAT/alice/temperature for alice. Empty identities own nothing.
func Owned(topic, identity string) bool {
	if identity == "" {
		return false
	}

	levels := Split(topic)
	if len(levels) < 2 || levels[1] != identity {
		return false
	}

	for _, p := range OwnedPrefixes {
		if levels[0] == p {
			return true
		}
	}

	return false
}

// DataKey returns the key of a data update topic published by identity.
// The key is every level after DAT/<identity>, joined and trimmed of spaces.
// ok is false if the topic is not in the identity's data namespace.
func DataKey(topic, identity string) (key string, ok bool) {
	if identity == "" {
		return "", false
	}

	levels := Split(topic)
	if len(levels) < 2 || levels[0] != DataPrefix || levels[1] != identity {
		return "", false
	}

	return strings.TrimSpace(strings.Join(levels[2:], Separator)), true
}
