// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema creates the users and roles tables and seeds the built-in roles.
// It is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
