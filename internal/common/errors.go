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

package common

import "errors"

var (
	ErrDraining       = errors.New("draining, no new requests accepted")
	ErrEngineInit     = errors.New("scan engine initialization failed")
	ErrScanFailed     = errors.New("scan failed")
	ErrInfected       = errors.New("malware detected")
	ErrNotMounted     = errors.New("not mounted")
	ErrAlreadyMounted = errors.New("already mounted")
	ErrNoFreeSlot     = errors.New("no free loop device slot")
	ErrInvalidPath    = errors.New("invalid path")
	ErrInvalidConfig  = errors.New("invalid configuration")
)
