//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Registers the sqlite-vec extension with every sqlite3 connection opened
// by this process. Built only with the sqlite_vec tag; without it the store
// falls back to the in-memory index for similarity search.
func init() {
	vec.Auto()
}
