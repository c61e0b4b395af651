// Package turn runs the conversation loop of one session: voice activity
// drives a state machine that finalizes user turns, streams a reply out of
// the language model, speaks it through the synthesizer, and yields the
// floor the moment the user talks over it.
package turn

// State is the phase of the conversation loop.
type State int

const (
	// StateIdle means the session is not processing audio, either before
	// start or after a fatal detector error.
	StateIdle State = iota
	// StateListening means inbound audio is being scored and transcribed.
	StateListening
	// StateFinalizing means speech has ended and the turn is waiting out
	// the silence threshold before committing.
	StateFinalizing
	// StateGenerating means a reply is being produced, no audio out yet.
	StateGenerating
	// StateSpeaking means reply audio is flowing to the client.
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}
