package fault

// ConfigError is returned for missing, malformed or out-of-range configuration.
// Nothing downstream of a ConfigError is constructed.
type ConfigError struct {
	msg string
}

func NewConfigError(msg string) *ConfigError {
	return &ConfigError{msg}
}

func (e *ConfigError) Error() string {
	return e.msg
}

// NumericError marks a control sample that was rejected because it would have
// produced a non-finite output (zero or negative dt, NaN input).
type NumericError struct {
	msg   string
	cause error
}

func NewNumericError(msg string, cause error) *NumericError {
	return &NumericError{msg: msg, cause: cause}
}

func (e *NumericError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *NumericError) Unwrap() error {
	return e.cause
}

// AvailabilityError is returned when a collaborator stops responding within
// its allotted time. It always escalates to the landing path.
type AvailabilityError struct {
	msg   string
	cause error
}

func NewAvailabilityError(msg string, cause error) *AvailabilityError {
	return &AvailabilityError{msg: msg, cause: cause}
}

func (e *AvailabilityError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *AvailabilityError) Unwrap() error {
	return e.cause
}
