// Package conmonerr provides an error wrapping helper mirroring the
// teacher runtime's errorf. No other package of the daemon calls it;
// they wrap errors with fmt.Errorf directly.
package conmonerr

import "fmt"

// Errorf wraps err with additional context, following the standard
// %w verb so errors.Is/errors.As keep working through the call stack.
func Errorf(format string, a ...interface{}) error {
	return fmt.Errorf(format, a...)
}
