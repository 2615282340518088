// Copyright 2025 The axfor Authors
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

package store

import "errors"

var (
	// ErrStorage is returned when the append-only log cannot be opened, read, written or synced.
	ErrStorage = errors.New("store: storage failure")

	// ErrValidation is returned when a key or value cannot be persisted as a record.
	ErrValidation = errors.New("store: invalid record")

	// ErrClosed is returned when writing to a closed store.
	ErrClosed = errors.New("store: store is closed")
)
