package gencache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "512", want: 512},
		{in: "512b", want: 512},
		{in: "64kb", want: 64 << 10},
		{in: "8M", want: 8 << 20},
		{in: "1.5gb", want: 3 << 29},
		{in: " 2 mb ", want: 2 << 20},
		{in: "b", wantErr: true},
		{in: "-1kb", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBytes(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "900b", formatBytes(900))
	require.Equal(t, "1kb", formatBytes(1024))
	require.Equal(t, "1.5mb", formatBytes(3<<19))
	require.Equal(t, "2gb", formatBytes(2<<30))
}
