package grok

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	testCases := []struct {
		expression string
		expected   string
	}{
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"2 ** 10", "1024"},
		{"2 ** 3 ** 2", "512"},
		{"-2 ** 2", "-4"},
		{"sqrt(16) * 2", "8"},
		{"10 / 4", "2.5"},
		{"7 // 2", "3"},
		{"-7 // 2", "-4"},
		{"-7 % 3", "2"},
		{"1 / 3", "0.333333"},
		{"pi", "3.141593"},
		{"e", "2.718282"},
		{"round(2.5)", "2"},
		{"round(3.14159, 2)", "3.14"},
		{"log(100, 10)", "2"},
		{"abs(-5) + floor(2.7) + ceil(2.1)", "10"},
		{"1e3 + 1", "1001"},
		{".5 + .25", "0.75"},
		{"1 / 0", "inf"},
		{"  42  ", "42"},
		{"sqrt(-1)", "Error: math domain error"},
		{"log(0)", "Error: math domain error"},
		{"2 ** 100", "1267650600228229401496703205376"},
		{"3 ** 40", "12157665459056928801"},
		{"10 ** 20 // 3", "33333333333333333333"},
		{"7 % -3", "-2"},
		{"2 ** -1", "0.5"},
		{"0 ** -1", "inf"},
		{"(-1) ** 100000000001", "-1"},
		{"2.0 ** 10000", "Error: math range error"},
		{"9 ** 9 ** 9", "Error: math range error"},
		{"2 ** 1024 + 0.5", "Error: math range error"},
		{"foo", "Error: Unknown variable or constant: foo"},
		{"bar(1)", "Error: Unsupported function: bar"},
		{"sqrt(1, 2)", "Error: sqrt() takes 1 to 1 arguments (2 given)"},
		{"2 +", "Error: Invalid syntax"},
		{"(1 + 2", "Error: Invalid syntax"},
		{"", "Error: Invalid syntax"},
		{"__import__('os')", "Error: Invalid syntax"},
		{"2 & 3", "Error: Invalid syntax"},
	}

	for _, tc := range testCases {
		t.Run(
			tc.expression, func(t *testing.T) {
				assert.Equal(t, tc.expected, Calculate(tc.expression))
			},
		)
	}
}

func TestCalculate_TooLong(t *testing.T) {
	expr := strings.Repeat("1+", 150) + "1"
	assert.Equal(t, "Error: Expression too long (max 200 chars)", Calculate(expr))
}

func TestCalculate_LargeIntegerPower(t *testing.T) {
	result := Calculate("2 ** 10000")
	assert.Len(t, result, 3011)
	assert.True(t, strings.HasPrefix(result, "199506311688075838"))
	assert.True(t, strings.HasSuffix(result, "9376"))
}
