package handlers

import "testing"

func TestPayouts_API_ListStatus(t *testing.T) {
	tests := []struct {
		name      string
		unpacked  int
		envelopes int
		unsent    int
		want      string
	}{
		{name: "unpacked payments remain", unpacked: 3, envelopes: 1, unsent: 1, want: StatusPending},
		{name: "nothing packed yet", unpacked: 3, want: StatusPending},
		{name: "all packed, some unsent", envelopes: 2, unsent: 1, want: StatusPacked},
		{name: "all sent", envelopes: 2, want: StatusSent},
		{name: "no payments at all", want: StatusEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ListStatus(tt.unpacked, tt.envelopes, tt.unsent); got != tt.want {
				t.Errorf("ListStatus(%d, %d, %d) = %q, want %q", tt.unpacked, tt.envelopes, tt.unsent, got, tt.want)
			}
		})
	}
}
