package motion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name   string
		line   string
		want   Sample
		wantOK bool
	}{
		{
			name:   "device line",
			line:   "X: +1.081g | Y: -0.082g | Z: -0.158g | Change: 316",
			want:   Sample{X: 1.081, Y: -0.082, Z: -0.158, Change: 316},
			wantOK: true,
		},
		{
			name:   "no whitespace",
			line:   "X:0.001g|Y:+0.000g|Z:-9.999g|Change:0",
			want:   Sample{X: 0.001, Y: 0, Z: -9.999, Change: 0},
			wantOK: true,
		},
		{
			name:   "extra whitespace",
			line:   "X:   -2.5g  |   Y:  1.25g |Z:\t0.125g   |  Change:   42",
			want:   Sample{X: -2.5, Y: 1.25, Z: 0.125, Change: 42},
			wantOK: true,
		},
		{
			name:   "trailing output",
			line:   "X: +1.000g | Y: +2.000g | Z: +3.000g | Change: 7 (ok)",
			want:   Sample{X: 1, Y: 2, Z: 3, Change: 7},
			wantOK: true,
		},
		{name: "garbage", line: "garbage"},
		{name: "empty", line: ""},
		{name: "partial read", line: "X: +1.081g | Y: -0.082g | Z: -0.1"},
		{name: "missing unit", line: "X: +1.081 | Y: -0.082g | Z: -0.158g | Change: 316"},
		{name: "integer axis", line: "X: 1g | Y: -0.082g | Z: -0.158g | Change: 316"},
		{name: "negative change", line: "X: +1.081g | Y: -0.082g | Z: -0.158g | Change: -3"},
		{name: "change overflow", line: "X: +1.081g | Y: -0.082g | Z: -0.158g | Change: 99999999999999999999"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Parse(tc.line)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsSampleLine(t *testing.T) {
	assert.True(t, IsSampleLine("X: +1.081g | Y: -0.082g | Z: -0.158g | Change: 316"))
	assert.False(t, IsSampleLine("Y: 0.1g"))
	assert.False(t, IsSampleLine("Decoded: X: +1.081g | Y: -0.082g | Z: -0.158g | Change: 316"))
	assert.False(t, IsSampleLine(""))
}
