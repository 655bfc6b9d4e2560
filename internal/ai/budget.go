package ai

import "unicode/utf8"

// DefaultFloor is the smallest output budget ever requested.
const DefaultFloor = 64

// Budget derives the output token allowance from the model context window.
type Budget struct {
	ContextWindow int
	SafetyBuffer  int
	HardCap       int
	Floor         int
}

// EstimateTokens is a coarse four-characters-per-token heuristic, never below 1.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

// MaxOutputTokens returns clamp(window - input - buffer, floor, hardCap) where
// input is the estimated size of both prompts.
func (b Budget) MaxOutputTokens(system, prompt string) int {
	floor := b.Floor
	if floor <= 0 {
		floor = DefaultFloor
	}

	room := b.ContextWindow - EstimateTokens(system) - EstimateTokens(prompt) - b.SafetyBuffer
	if room < 1 {
		room = 1
	}

	allowed := room
	if b.HardCap > 0 && allowed > b.HardCap {
		allowed = b.HardCap
	}

	return max(floor, allowed)
}
