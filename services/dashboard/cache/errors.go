// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import "errors"

var (
	// ErrUnknownKey is returned for keys that were never registered.
	ErrUnknownKey = errors.New("cache: unknown key")

	// ErrNotReady is returned when a key has no value yet and the first
	// computation did not finish within the configured wait. The
	// computation keeps running; a later read will find the value.
	ErrNotReady = errors.New("cache: value not ready")

	// ErrDuplicateKey is returned when a key is registered twice.
	ErrDuplicateKey = errors.New("cache: key already registered")
)
