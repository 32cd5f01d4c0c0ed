// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// Page size limits shared by the admin API and codesctl.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage bounds a 1-based page number and a page size to
// [1, MaxPageSize].
func ClampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Offset returns the row offset of a 1-based page.
func Offset(page, size int) int {
	if page < 1 || size < 1 {
		return 0
	}
	return (page - 1) * size
}

// TotalPages returns how many pages of size hold total rows.
func TotalPages(total int64, size int) int {
	if total <= 0 || size < 1 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
