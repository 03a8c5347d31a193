package refresh

// State of a refresh run
type State int

const (
	Idle State = iota
	BackingUp
	Deleting
	Fetching
	Inserting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case BackingUp:
		return "backing_up"
	case Deleting:
		return "deleting"
	case Fetching:
		return "fetching"
	case Inserting:
		return "inserting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// MarshalText renders the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
