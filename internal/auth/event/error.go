package event

// AuthenticationError is the routine "who are you" failure. The
// internal message is for logs only; PublicMessage is the only text
// that may reach the client.
type AuthenticationError struct {
	Source        Source
	Login         string
	Message       string
	PublicMessage string
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

// NewAuthenticationError builds a failure carrying the source and the
// attempted login for audit logging.
func NewAuthenticationError(source Source, login, message string) *AuthenticationError {
	return &AuthenticationError{Source: source, Login: login, Message: message}
}

// WithPublicMessage attaches a user-safe message.
func (e *AuthenticationError) WithPublicMessage(msg string) *AuthenticationError {
	e.PublicMessage = msg
	return e
}
