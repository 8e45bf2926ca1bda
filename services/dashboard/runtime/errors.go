// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by Start when the supervisor is running,
// and by Register after startup began (the island graph is immutable once
// Start is called).
var ErrAlreadyStarted = errors.New("supervisor already started")

// ConfigurationError reports an invalid island registration: a duplicate
// id, an out-of-range layer, a missing dependency, or a dependency that
// violates layer ordering. Fatal; the registry never accepts the island.
type ConfigurationError struct {
	IslandID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("island %q misconfigured: %s", e.IslandID, e.Reason)
}

// IslandInitFailure reports that a critical island failed to initialize.
// Startup is aborted and already-started islands are unwound before this
// error surfaces.
type IslandInitFailure struct {
	Layer    int
	IslandID string
	Err      error
}

func (e *IslandInitFailure) Error() string {
	return fmt.Sprintf("critical island %q at layer %d failed to initialize: %v", e.IslandID, e.Layer, e.Err)
}

func (e *IslandInitFailure) Unwrap() error {
	return e.Err
}
