// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for user-supplied identifiers.
//
// Cache keys and market symbols arrive from query parameters and WebSocket
// frames; validating them up front keeps arbitrary strings out of log lines,
// metric labels, and registry lookups.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// keyPattern matches valid cache keys, e.g. "btc_summary", "spy-daily".
// Lowercase alphanumerics plus underscore and hyphen, max 64 characters.
var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// symbolPattern matches valid market symbols.
// Allows: uppercase letters, digits, dots (BRK.A), hyphens (BF-B)
// Max length: 10 characters (covers most exchanges)
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

// ValidateKey validates a cache key identifier.
//
// Valid keys:
//   - 1-64 characters
//   - Lowercase letters a-z and digits 0-9
//   - Underscores and hyphens after the first character
//
// Returns an error if the key is invalid.
//
// Example:
//
//	if err := validation.ValidateKey(key); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	    return
//	}
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid key format: %q (must be 1-64 lowercase alphanumeric chars, underscores, or hyphens)", key)
	}

	return nil
}

// ValidateKeys validates multiple cache keys.
// Returns an error listing all invalid keys if any fail validation.
func ValidateKeys(keys []string) error {
	var invalid []string
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			invalid = append(invalid, key)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid keys: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// ValidateSymbol validates a market symbol to keep arbitrary strings out of
// upstream fetch URLs.
//
// Valid symbols:
//   - 1-10 characters
//   - Uppercase letters A-Z
//   - Digits 0-9
//   - Dots (.) for class shares like BRK.A
//   - Hyphens (-) for class shares like BF-B
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}

	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid symbol format: %q (must be 1-10 uppercase alphanumeric chars, dots, or hyphens)", symbol)
	}

	return nil
}

// ValidateSymbols validates multiple market symbols.
// Returns an error listing all invalid symbols if any fail validation.
func ValidateSymbols(symbols []string) error {
	var invalid []string
	for _, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			invalid = append(invalid, symbol)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid symbols: %s", strings.Join(invalid, ", "))
	}
	return nil
}
