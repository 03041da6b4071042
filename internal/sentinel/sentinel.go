package sentinel

var _ error = Error("")

// Error is a string-backed error type that can be declared const. A const
// sentinel cannot be reassigned by consumers, unlike errors.New variables.
//
// Error values are comparable, so the default == comparison used by
// errors.Is matches them through wrapped error chains.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}
