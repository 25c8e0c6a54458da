package core

import (
	"testing"

	"taskwarden/internal/session"
)

func TestIsTaskCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{text: "/task 30 write the report", want: true},
		{text: "/task@TaskwardenBot 30 write the report", want: true},
		{text: "  /task 5 stretch", want: true},
		{text: "/tasks 30 nope", want: false},
		{text: "task 30 missing slash", want: false},
		{text: "", want: false},
		{text: "hello there", want: false},
	}
	for _, tt := range tests {
		if got := isTaskCommand(tt.text); got != tt.want {
			t.Errorf("isTaskCommand(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestParseTaskCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		text    string
		minutes int
		task    string
		ok      bool
	}{
		{name: "simple", text: "/task 30 write the report", minutes: 30, task: "write the report", ok: true},
		{name: "multi word task", text: "/task 5 walk the dog around the block", minutes: 5, task: "walk the dog around the block", ok: true},
		{name: "bot-suffixed command", text: "/task@TaskwardenBot 10 tidy desk", minutes: 10, task: "tidy desk", ok: true},
		{name: "missing description", text: "/task 30", ok: false},
		{name: "missing minutes", text: "/task", ok: false},
		{name: "non-numeric minutes", text: "/task soon do things", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			minutes, task, err := parseTaskCommand(tt.text)
			if tt.ok {
				if err != nil {
					t.Fatalf("parseTaskCommand error: %v", err)
				}
				if minutes != tt.minutes || task != tt.task {
					t.Fatalf("got (%d, %q), want (%d, %q)", minutes, task, tt.minutes, tt.task)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !session.IsValidation(err) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}
