// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package dcap

import (
	"fmt"

	"github.com/dstack-tee/atls-go/atlserr"
)

// RevokedStatus is the one TCB status spec.md §4.4 forbids a policy from
// ever allowing, regardless of configuration.
const RevokedStatus = "Revoked"

// TCBLevel is the outcome of matching a platform's PCE SVN against an
// info document's ordered tcbLevels list: the status of the first level
// whose component requirements the platform meets or exceeds.
type TCBLevel struct {
	Status      string
	AdvisoryIDs []string
}

// EvaluateTCBStatus walks info's tcbLevels (assumed ordered
// highest-to-lowest per Intel's DCAP spec) and returns the status and
// advisory IDs of the first level the platform's PCE SVN satisfies.
func EvaluateTCBStatus(info *TCBInfo, pceSvn int) (*TCBLevel, error) {
	for _, level := range info.TcbInfo.TcbLevels {
		if pceSvn >= level.Tcb.PceSvn {
			return &TCBLevel{Status: level.TcbStatus, AdvisoryIDs: level.AdvisoryIDs}, nil
		}
	}
	return nil, atlserr.Wrap(atlserr.KindTcbStatusNotAllowed, fmt.Errorf("no tcb level matches pcesvn %d", pceSvn), "evaluate tcb status")
}

// CheckTCBStatusAllowed implements spec.md §4.4's hard rule: Revoked is
// rejected unconditionally, and every other status must appear in
// allowed.
func CheckTCBStatusAllowed(status string, allowed []string) error {
	if status == RevokedStatus {
		return atlserr.TcbStatusNotAllowed(status, allowed)
	}
	for _, a := range allowed {
		if a == status {
			return nil
		}
	}
	return atlserr.TcbStatusNotAllowed(status, allowed)
}
