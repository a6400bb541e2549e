package forumtools

import "fmt"

// ConfigurationError reports a required backing resource that is absent.
// It is raised before any network call and never retried.
type ConfigurationError struct {
	Resource string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not configured", e.Resource)
}

func (e *ConfigurationError) ErrorKind() string { return "configuration" }

// ValidationError reports tool input that violates its declared contract.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s input: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid %s input: %s %s", e.Tool, e.Field, e.Reason)
}

func (e *ValidationError) ErrorKind() string { return "validation" }
