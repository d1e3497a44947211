// Copyright 2025 Certen Protocol
//
// Package database provides sentinel errors for repository operations.

package database

import "errors"

// Sentinel errors for database operations.
var (
	// ErrNotFound is returned when a requested entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAnchorNotFound is returned when an anchor record is not found.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrNodeStatusNotFound is returned when a node status projection row is missing.
	ErrNodeStatusNotFound = errors.New("node status not found")

	// ErrEarningsNotFound is returned when an account earnings projection row is missing.
	ErrEarningsNotFound = errors.New("earnings not found")

	// ErrDuplicateTxRef is returned when a payment settlement reuses a txRef.
	ErrDuplicateTxRef = errors.New("duplicate_tx_ref_rejected")
)
