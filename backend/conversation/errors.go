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

package conversation

import "errors"

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrNotOwner        = errors.New("only the sender can modify this message")
	ErrEmptyContent    = errors.New("message has no content")
	ErrEmptyEmoji      = errors.New("emoji is empty")
	ErrPending         = errors.New("message is not confirmed yet")
	ErrNotOpen         = errors.New("conversation is not open")
	ErrClosed          = errors.New("session is closed")
	ErrNoUploader      = errors.New("no uploader configured")
)
