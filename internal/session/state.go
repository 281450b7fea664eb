package session

import (
	"fmt"
	"strings"
)

type State uint32

const (
	StateStopped = State(iota)
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("<unexpected_value_%d>", uint32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for candidate := StateStopped; candidate <= StateStopping; candidate++ {
		if strings.EqualFold(candidate.String(), string(b)) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state '%s'", b)
}
