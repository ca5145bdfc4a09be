//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// Pure-Go driver; no cgo toolchain required.
const driverName = "sqlite"
