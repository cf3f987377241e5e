package pipeline

// ValidationError reports a precondition failure detected before any task
// exists: missing credentials, unresolvable audio, missing transcript or
// skip prerequisite. It carries a caller-visible message and causes no
// task, log or persistence side effects.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErr(message string) *ValidationError {
	return &ValidationError{Message: message}
}
