//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register sqlite-vec with the mattn/go-sqlite3 driver so vec0 tables
	// and vec_distance_cosine are available on every connection.
	vec.Auto()
}
