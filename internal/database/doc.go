// Package database opens the PostgreSQL pool used by the dispatch archive.
package database
