package stateengine

import "errors"

var (
	// ErrUnknownState is returned when a label is outside a profile's state set.
	ErrUnknownState = errors.New("unknown state")
	// ErrSwitch is returned when an explicit switch names no known profile.
	ErrSwitch = errors.New("profile switch failed")
)
