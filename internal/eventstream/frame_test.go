package eventstream

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAssembler(t *testing.T) {
	tests := []struct {
		name       string
		lines      []string
		want       []Event
		violations int
		pending    bool
	}{
		{
			name:  "ordered frame",
			lines: []string{"id: 1", "event: NOTIFY", `data: {"items":[]}`, ""},
			want:  []Event{{ID: "1", Event: "NOTIFY", Data: `{"items":[]}`}},
		},
		{
			name:  "any field order",
			lines: []string{`data: {"a":1}`, "", "event: STATUS", "", "id: 7"},
			want:  []Event{{ID: "7", Event: "STATUS", Data: `{"a":1}`}},
		},
		{
			name:  "keep-alive frame is still a frame",
			lines: []string{"data:", "event:KEEP-ALIVE", "id:ka"},
			want:  []Event{{ID: "ka", Event: KeepAliveEvent, Data: ""}},
		},
		{
			name:  "data lines before completion are joined",
			lines: []string{"data: line1", "data: line2", "id: 3", "event: EVENT"},
			want:  []Event{{ID: "3", Event: "EVENT", Data: "line1\nline2"}},
		},
		{
			name:  "prefix without space",
			lines: []string{"id:x", "event:NOTIFY", "data:payload\r"},
			want:  []Event{{ID: "x", Event: "NOTIFY", Data: "payload"}},
		},
		{
			name:  "two frames in a row",
			lines: []string{"id: 1", "event: A", "data: a", "", "id: 2", "event: B", "data: b", ""},
			want: []Event{
				{ID: "1", Event: "A", Data: "a"},
				{ID: "2", Event: "B", Data: "b"},
			},
		},
		{
			name:       "violation keeps pending frame",
			lines:      []string{"id: 1", "garbage", "event: NOTIFY", "data: {}"},
			want:       []Event{{ID: "1", Event: "NOTIFY", Data: "{}"}},
			violations: 1,
		},
		{
			name:    "incomplete frame",
			lines:   []string{"data: foo"},
			pending: true,
		},
		{
			name:  "blank lines only",
			lines: []string{"", "  ", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a assembler
			var got []Event
			violations := 0
			for _, line := range tt.lines {
				ev, complete, err := a.feed(line)
				if err != nil {
					if !errors.Is(err, ErrProtocolViolation) {
						t.Fatalf("feed(%q) error = %v, want ErrProtocolViolation", line, err)
					}
					violations++
					continue
				}
				if complete {
					got = append(got, ev)
				}
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
			if violations != tt.violations {
				t.Errorf("violations = %d, want %d", violations, tt.violations)
			}
			if a.pending() != tt.pending {
				t.Errorf("pending() = %v, want %v", a.pending(), tt.pending)
			}
		})
	}
}
