package connectivity

import "fmt"

// TransportState is the coarse transport classification
type TransportState int

const (
	None TransportState = iota
	Cellular
	WiFi
	Both
)

func (s TransportState) String() string {
	switch s {
	case None:
		return "NONE"
	case Cellular:
		return "CELLULAR"
	case WiFi:
		return "WIFI"
	case Both:
		return "BOTH"
	default:
		return "UNKNOWN"
	}
}

// Icon names the status icon for s. Both shows as wifi.
func (s TransportState) Icon() string {
	switch s {
	case Cellular:
		return "cellular"
	case WiFi, Both:
		return "wifi"
	default:
		return "none"
	}
}

// MarshalText renders the state name, so JSON payloads carry "WIFI" and not 2
func (s TransportState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText
func (s *TransportState) UnmarshalText(text []byte) error {
	for _, st := range []TransportState{None, Cellular, WiFi, Both} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown transport state %q", text)
}
