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

// Package events is the SQLite-backed security event journal. Every
// denied access and every engine failure is recorded with enough context
// to reconstruct the decision.
package events

import (
	"time"

	"github.com/uptrace/bun"
)

// Kind classifies a security event.
type Kind string

const (
	// KindAccessDenied is an open denied by a positive verdict.
	KindAccessDenied Kind = "access_denied"
	// KindWriteRejected is a written file deleted after its post-close scan.
	KindWriteRejected Kind = "write_rejected"
	// KindScanFailure is a transient engine failure surfaced to a caller.
	KindScanFailure Kind = "scan_failure"
	// KindDrainAbandoned is an in-flight scan abandoned at shutdown.
	KindDrainAbandoned Kind = "drain_abandoned"
)

// EventModel represents the security_events table.
type EventModel struct {
	bun.BaseModel `bun:"table:security_events"`

	ID        string `bun:"id,pk"`
	CreatedAt int64  `bun:"created_at,notnull"` // Unix nanoseconds
	Kind      string `bun:"kind,notnull"`
	Path      string `bun:"path,notnull"`
	Signature string `bun:"signature"`
	Detail    string `bun:"detail"`
}

// Event is the journal entry handed to callers.
type Event struct {
	ID        string
	Time      time.Time
	Kind      Kind
	Path      string
	Signature string
	Detail    string
}

func (m *EventModel) toEvent() Event {
	return Event{
		ID:        m.ID,
		Time:      time.Unix(0, m.CreatedAt),
		Kind:      Kind(m.Kind),
		Path:      m.Path,
		Signature: m.Signature,
		Detail:    m.Detail,
	}
}
