package store

import (
	"testing"
	"time"
)

func TestPoolDefaults(t *testing.T) {
	cases := []struct {
		name string
		in   Pool
		want Pool
	}{
		{
			name: "zero",
			want: Pool{MaxOpen: 20, MaxIdle: 10, MaxLifetime: 30 * time.Minute, MaxIdleTime: 5 * time.Minute},
		},
		{
			name: "idle capped by open",
			in:   Pool{MaxOpen: 4, MaxIdle: 8},
			want: Pool{MaxOpen: 4, MaxIdle: 2, MaxLifetime: 30 * time.Minute, MaxIdleTime: 5 * time.Minute},
		},
		{
			name: "explicit",
			in:   Pool{MaxOpen: 8, MaxIdle: 3, MaxLifetime: time.Minute, MaxIdleTime: time.Second},
			want: Pool{MaxOpen: 8, MaxIdle: 3, MaxLifetime: time.Minute, MaxIdleTime: time.Second},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.withDefaults(); got != tc.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tc.want)
			}
		})
	}
}
