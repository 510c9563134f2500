// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package eventlog replays a dstack measured-boot event log into RTMR
// values, the same extend-and-replay construction the dstack guest agent
// uses internally, and locates the specific events this verifier cares
// about (key binding, app compose, OS image) by configurable tag
// (spec.md §4.6, §9).
package eventlog

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"

	"github.com/dstack-tee/atls-go/atlserr"
)

// RegisterLen is the byte length of one RTMR value (SHA-384 output).
const RegisterLen = 48

// InitRegister is the all-zero starting value every RTMR replay begins
// from, matching the dstack guest agent's convention.
var InitRegister = make([]byte, RegisterLen)

// Entry is one measured-boot event log record. Digest and EventPayload
// are kept as the hex strings the peer sent; Replay decodes Digest, and
// EventPayload's interpretation is event-type specific and out of scope
// for replay itself.
type Entry struct {
	IMR          int    `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"`
}

// Decode parses the raw JSON array a peer's /tdx_quote response embeds
// under "event_log" (spec.md §4.3).
func Decode(raw []byte) ([]Entry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, atlserr.Wrap(atlserr.KindRtmr3Mismatch, err, "decode event log")
	}
	return entries, nil
}

// Replay reconstructs the RTMR value for register imr by chaining
// SHA-384(previous ‖ digest) over every log entry tagged with that
// register, in log order, starting from InitRegister. This is the
// extend-and-replay identity a TD's firmware enforces on every RTMR
// extend operation.
func Replay(entries []Entry, imr int) ([]byte, error) {
	mr := append([]byte(nil), InitRegister...)
	for _, e := range entries {
		if e.IMR != imr {
			continue
		}
		digest, err := hex.DecodeString(e.Digest)
		if err != nil {
			return nil, atlserr.Wrap(atlserr.KindRtmr3Mismatch, err, "decode event digest")
		}
		if len(digest) < RegisterLen {
			digest = append(digest, make([]byte, RegisterLen-len(digest))...)
		}
		h := sha512.New384()
		h.Write(mr)
		h.Write(digest)
		mr = h.Sum(nil)
	}
	return mr, nil
}

// ReplayAll replays every register 0-3, as the dstack guest agent's
// ReplayRTMRs does, returning a map keyed by register index.
func ReplayAll(entries []Entry) (map[int][]byte, error) {
	out := make(map[int][]byte, 4)
	for imr := 0; imr < 4; imr++ {
		mr, err := Replay(entries, imr)
		if err != nil {
			return nil, err
		}
		out[imr] = mr
	}
	return out, nil
}

// FindByEvent returns the first entry on register imr whose Event field
// equals tag, the convention the Dstack runtime uses to mark
// key-binding, app-compose, and os-image measurements within RTMR3
// (spec.md §4.6, §9: the exact tag strings are a deployment convention,
// not a protocol constant).
func FindByEvent(entries []Entry, imr int, tag string) (*Entry, bool) {
	for i := range entries {
		if entries[i].IMR == imr && entries[i].Event == tag {
			return &entries[i], true
		}
	}
	return nil, false
}
