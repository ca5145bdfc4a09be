//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// cgo driver with the sqlite-vec extension auto-loaded. Embedding search
// still works without it; this build just accelerates large registries.
const driverName = "sqlite3"

func init() {
	vec.Auto()
}
