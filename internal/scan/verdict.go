// Copyright 2025 ScanGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scan provides the scanning engine wrapper and the verdict cache
// that gates content access in the proxy filesystem.
package scan

import "fmt"

// Status is the outcome class of a malware scan.
type Status int

const (
	// StatusClean means the engine found nothing.
	StatusClean Status = iota
	// StatusInfected means the engine matched a signature.
	StatusInfected
	// StatusError means the scan could not complete. Error verdicts are
	// never cached; the next access retries.
	StatusError
)

// Verdict is the immutable outcome of a single scan.
type Verdict struct {
	Status    Status
	Signature string // signature name when Status == StatusInfected
	Reason    string // failure description when Status == StatusError
}

// Clean returns a clean verdict.
func Clean() Verdict { return Verdict{Status: StatusClean} }

// Infected returns an infected verdict carrying the signature name.
func Infected(signature string) Verdict {
	return Verdict{Status: StatusInfected, Signature: signature}
}

// ScanError returns an error verdict carrying the failure reason.
func ScanError(reason string) Verdict {
	return Verdict{Status: StatusError, Reason: reason}
}

// IsClean returns true if the scan found nothing.
func (v Verdict) IsClean() bool { return v.Status == StatusClean }

// IsInfected returns true if the scan matched a signature.
func (v Verdict) IsInfected() bool { return v.Status == StatusInfected }

// IsError returns true if the scan could not complete.
func (v Verdict) IsError() bool { return v.Status == StatusError }

func (v Verdict) String() string {
	switch v.Status {
	case StatusClean:
		return "clean"
	case StatusInfected:
		return fmt.Sprintf("infected (%s)", v.Signature)
	case StatusError:
		return fmt.Sprintf("scan error (%s)", v.Reason)
	default:
		return fmt.Sprintf("unknown status %d", int(v.Status))
	}
}
