package buffer

import (
	"fmt"
	"strings"
)

// ParseStrategy converts a strategy name to its Strategy value.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pause", "":
		return StrategyPause, nil
	case "drop":
		return StrategyDrop, nil
	case "buffer":
		return StrategyBuffer, nil
	case "error":
		return StrategyError, nil
	default:
		return StrategyPause, fmt.Errorf("unknown backpressure strategy: %q", s)
	}
}

// ParseDropPolicy converts a drop policy name to its DropPolicy value.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop_newest", "newest", "":
		return DropNewest, nil
	case "drop_oldest", "oldest":
		return DropOldest, nil
	default:
		return DropNewest, fmt.Errorf("unknown drop policy: %q", s)
	}
}
