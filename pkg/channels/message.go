// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package channels

import (
	"encoding/json"
	"unicode/utf8"
)

// Message is a decoded relay message.
// Only the channel is read; Raw holds the bytes exactly as the client sent them.
type Message struct {
	Channel string
	Raw     []byte
}

// ParseMessage decodes raw into a Message.
// raw must be valid UTF-8 holding a JSON object with a string field named exactly "channel".
// Any string, including the empty string, is a valid channel name.
func ParseMessage(raw []byte) (Message, error) {
	// Recipients get raw as a text frame, which must be valid UTF-8.
	if !utf8.Valid(raw) {
		return Message{}, &MalformedMessageError{Reason: "not valid UTF-8"}
	}

	// A map keeps key matching exact; struct decoding would also accept "Channel".
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, &MalformedMessageError{Reason: "not a JSON object", Err: err}
	}
	if fields == nil {
		return Message{}, &MalformedMessageError{Reason: "not a JSON object"}
	}

	field, ok := fields["channel"]
	if !ok || string(field) == "null" {
		return Message{}, &MalformedMessageError{Reason: "no channel specified"}
	}

	var name string
	if err := json.Unmarshal(field, &name); err != nil {
		return Message{}, &MalformedMessageError{Reason: "channel is not a string", Err: err}
	}

	return Message{Channel: name, Raw: raw}, nil
}
