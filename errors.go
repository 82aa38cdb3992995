package ctrmml

// TrackError is the one failure kind raised while stepping a track: a message
// plus the notation source position of the event that triggered it. Any
// TrackError aborts processing of the current song; none are recoverable.
type TrackError struct {
	Ref     *Reference
	Message string
}

func (e *TrackError) Error() string {
	if e.Ref != nil {
		return e.Ref.String() + ": " + e.Message
	}
	return e.Message
}
