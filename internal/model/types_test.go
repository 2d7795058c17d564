package model

import (
	"slices"
	"testing"
	"time"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user User
		want string
	}{
		{"name wins", User{Name: "Alice", Username: "alice", Email: "a@x.io"}, "Alice"},
		{"username fallback", User{Username: "alice", Email: "a@x.io"}, "alice"},
		{"email local part", User{Email: "alice@x.io"}, "alice"},
		{"nothing", User{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageOrderingTieBreak(t *testing.T) {
	ts := time.UnixMilli(1000)
	msgs := []Message{
		{ID: "c", CreatedAt: ts},
		{ID: "a", CreatedAt: ts.Add(time.Millisecond)},
		{ID: "b", CreatedAt: ts},
	}
	slices.SortFunc(msgs, CompareMessages)

	var got []string
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	want := []string{"b", "c", "a"}
	if !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestChatSummaryActivity(t *testing.T) {
	s := ChatSummary{Chat: Chat{CreatedAt: time.UnixMilli(10), LastMessageAt: time.UnixMilli(20)}}
	if !s.Activity().Equal(time.UnixMilli(20)) {
		t.Errorf("Activity() = %v, want last_message_at", s.Activity())
	}
	s.LastMessage = &Message{CreatedAt: time.UnixMilli(30)}
	if !s.Activity().Equal(time.UnixMilli(30)) {
		t.Errorf("Activity() = %v, want last message time", s.Activity())
	}
}

func TestProfilePatchEmpty(t *testing.T) {
	if !(ProfilePatch{}).Empty() {
		t.Error("zero patch should be empty")
	}
	name := "x"
	if (ProfilePatch{Name: &name}).Empty() {
		t.Error("patch with name should not be empty")
	}
}
