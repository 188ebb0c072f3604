// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package models

import (
	"fmt"
	"time"
)

// DeliveryStatus is ordered: a higher value always wins
type DeliveryStatus int

const (
	StatusNone DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return "none"
}

// ParseDeliveryStatus is the inverse of String
func ParseDeliveryStatus(v string) (DeliveryStatus, error) {
	switch v {
	case "none", "":
		return StatusNone, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	}
	return StatusNone, fmt.Errorf("unknown delivery status %q", v)
}

func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryStatus) UnmarshalText(b []byte) error {
	v, err := ParseDeliveryStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Outranks reports whether s is a strict upgrade over other
func (s DeliveryStatus) Outranks(other DeliveryStatus) bool {
	return s > other
}

// Ticks is the indicator shown next to an outgoing message. The second
// value is true when the ticks are highlighted (read).
func (s DeliveryStatus) Ticks() (string, bool) {
	switch s {
	case StatusSent:
		return "✓", false
	case StatusDelivered:
		return "✓✓", false
	case StatusRead:
		return "✓✓", true
	}
	return "", false
}

// Receipt is the delivery state of one message for its recipient
type Receipt struct {
	MessageID   string         `json:"message_id"`
	RecipientID string         `json:"recipient_id"`
	Status      DeliveryStatus `json:"status"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Reaction is a single (message, user, emoji) triple
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}
