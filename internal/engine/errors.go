package engine

import "errors"

// Runtime errors. A handler error terminates that event's processing but
// never kills the daemon; it is logged and the offending event is not
// re-emitted.
var (
	ErrJobNotFound         = errors.New("job not found")
	ErrCrewNotFound        = errors.New("crew not found")
	ErrStepNotFound        = errors.New("step not found")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrRunbookLoad         = errors.New("runbook load failed")
	ErrInvalidRunDirective = errors.New("invalid run directive")
	ErrShell               = errors.New("shell failed")
	ErrAliveAgent          = errors.New("agent is alive; pass kill to respawn or send a message instead")
)
