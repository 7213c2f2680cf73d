package filter

import (
	"testing"
	"time"

	"github.com/dhcgn/dumprecover/model"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludeSender: []string{"^alice"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("alice <u1>", "hello") {
		t.Error("Expected message to be allowed (sender matches)")
	}
	if f.Allows("bob <u2>", "hello") {
		t.Error("Expected message to be filtered out (sender doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludeText: []string{"(?i)spam"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("u1", "lunch at noon?") {
		t.Error("Expected message to be allowed (no spam)")
	}
	if f.Allows("u1", "Buy SPAM now") {
		t.Error("Expected message to be filtered out (contains spam)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{
		IncludeSender: []string{"alice"},
		ExcludeText:   []string{"spam"},
	})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeText: []string{"("}}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("anyone", "any text") {
		t.Error("Expected message to be allowed when no filters are active")
	}
	if got := f.GetStats(); got.Mode != "none" || got.Patterns != 0 {
		t.Errorf("GetStats() = %+v, want mode none with no patterns", got)
	}
}

func TestFilter_BlankPatternsIgnored(t *testing.T) {
	f, err := New(Options{IncludeText: []string{"  ", ""}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Allows("u1", "anything") {
		t.Error("Expected blank patterns to leave the filter inactive")
	}
}

func TestFilter_AllowsMessage(t *testing.T) {
	f, err := New(Options{IncludeSender: []string{"^Alice <"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	named := model.Message{ID: "m1", SenderID: "u1", SenderName: "Alice", Text: "hi", Timestamp: time.Unix(0, 0)}
	if !f.AllowsMessage(named) {
		t.Error("Expected message with matching display name to be allowed")
	}

	anonymous := named
	anonymous.SenderName = ""
	if f.AllowsMessage(anonymous) {
		t.Error("Expected message without display name to be filtered out")
	}
}

func TestFilter_GetStats(t *testing.T) {
	f, err := New(Options{IncludeText: []string{"invoice", "receipt"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows("u1", "your invoice")
	f.Allows("u1", "another invoice")
	f.Allows("u1", "a receipt")
	f.Allows("u1", "nothing here")

	got := f.GetStats()
	if got.Mode != "include" || got.Patterns != 2 {
		t.Errorf("GetStats() = %+v, want include mode with 2 patterns", got)
	}
	if got.Hits["invoice"] != 2 || got.Hits["receipt"] != 1 {
		t.Errorf("GetStats().Hits = %v", got.Hits)
	}
}

func TestSenderLine(t *testing.T) {
	tests := []struct {
		name string
		msg  model.Message
		want string
	}{
		{name: "id only", msg: model.Message{SenderID: "u1"}, want: "u1"},
		{name: "with display name", msg: model.Message{SenderID: "u1", SenderName: "Alice"}, want: "Alice <u1>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SenderLine(tt.msg); got != tt.want {
				t.Errorf("SenderLine() = %q, want %q", got, tt.want)
			}
		})
	}
}
