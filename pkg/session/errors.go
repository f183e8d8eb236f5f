package session

import "errors"

// Custom error types for better error discrimination
var (
	// ErrSessionEnded is returned when an operation is attempted after the
	// session reached its terminal state
	ErrSessionEnded = errors.New("session has ended")

	// ErrLLMFailed is returned when the language model stream fails
	ErrLLMFailed = errors.New("language model generation failed")

	// ErrTTSFailed is returned when speech synthesis fails
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")
)

// FallbackUtterance is spoken in place of the agent's response when a
// transient upstream failure interrupts a turn.
const FallbackUtterance = "I'm sorry, I'm having trouble understanding. Could you please repeat that?"
