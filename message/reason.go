/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package message

import "fmt"

// Reason is the stable wire value carried in a Nak's reason field (§4.1,
// §7). Values are part of the wire format; never renumber.
type Reason uint32

// Nak reasons. Ok is only ever used internally (Acks don't carry a reason
// worth naming); every Nak carries one of the others.
const (
	ReasonOK              Reason = 0
	ReasonSessionConflict Reason = 1
	ReasonNoSession       Reason = 2
	ReasonChecksumFailed  Reason = 3
	ReasonTimeout         Reason = 4
	ReasonFieldOutOfRange Reason = 5
	// ReasonFirstMissing carries the lowest unset chunk bit as a resend
	// hint in the ChunkIndex field of the Nak, not in Reason itself.
	ReasonFirstMissing Reason = 6
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonSessionConflict:
		return "session conflict"
	case ReasonNoSession:
		return "no session"
	case ReasonChecksumFailed:
		return "checksum failed"
	case ReasonTimeout:
		return "timeout"
	case ReasonFieldOutOfRange:
		return "field out of range"
	case ReasonFirstMissing:
		return "first missing chunk"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}
