//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// Builds without cgo use the pure-Go SQLite driver, which only reaches local
// databases.
const (
	driverName      = "sqlite"
	remoteSupported = false
)
