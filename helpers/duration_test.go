package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "30s", want: 30 * time.Second},
		{input: "5m", want: 5 * time.Minute},
		{input: "3d", want: 72 * time.Hour},
		{input: "1d12h", want: 36 * time.Hour},
		{input: "0.5d", want: 12 * time.Hour},
		{input: " 2h ", want: 2 * time.Hour},
		{input: "", wantErr: true},
		{input: "xd", wantErr: true},
		{input: "-1d", wantErr: true},
		{input: "1dfoo", wantErr: true},
		{input: "forever", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDays(t *testing.T) {
	assert.Equal(t, "1 day", FormatDays(24*time.Hour))
	assert.Equal(t, "3 days", FormatDays(72*time.Hour))
	assert.Equal(t, "2 days", FormatDays(25*time.Hour))
}
