// Package config loads stage plan documents.
//
// A plan file is a list of [[stage]] tables; tilt values are relative to
// the tilt offset measured at cycle start.
package config
