// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package channels

import "fmt"

// MalformedMessageError is returned when a payload cannot be routed.
// The message is dropped; the sender stays connected.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %s", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// SendError reports a failed delivery to one member.
type SendError struct {
	ConnID uint64
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %d: %s", e.ConnID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
