package ai

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		expect int
	}{
		{input: "", expect: 1},
		{input: "abc", expect: 1},
		{input: "abcdefgh", expect: 2},
		{input: strings.Repeat("я", 40), expect: 10},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.expect {
			t.Fatalf("EstimateTokens(%q) = %d, expected %d", tt.input, got, tt.expect)
		}
	}
}

func TestBudgetMaxOutputTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		budget Budget
		system string
		prompt string
		expect int
	}{
		{
			name:   "hard cap wins with plenty of room",
			budget: Budget{ContextWindow: 8192, SafetyBuffer: 256, HardCap: 1024, Floor: 64},
			system: "sys",
			prompt: strings.Repeat("a", 400),
			expect: 1024,
		},
		{
			name:   "room below hard cap",
			budget: Budget{ContextWindow: 1000, SafetyBuffer: 100, HardCap: 1024, Floor: 64},
			system: strings.Repeat("s", 400),
			prompt: strings.Repeat("p", 2000),
			// 1000 - 100 - 500 - 100
			expect: 300,
		},
		{
			name:   "floor prevents degenerate budgets",
			budget: Budget{ContextWindow: 100, SafetyBuffer: 50, HardCap: 1024, Floor: 64},
			system: "s",
			prompt: strings.Repeat("p", 4000),
			expect: 64,
		},
		{
			name:   "zero floor uses default",
			budget: Budget{ContextWindow: 10, HardCap: 1024},
			system: "s",
			prompt: strings.Repeat("p", 400),
			expect: DefaultFloor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.budget.MaxOutputTokens(tt.system, tt.prompt); got != tt.expect {
				t.Fatalf("expected %d, got %d", tt.expect, got)
			}
		})
	}
}
