// Package util provides small helpers shared across the oauth library.
//
// Key utilities:
//   - SafeTruncate: truncates strings when logging credential prefixes
package util
