package backend

import (
	"encoding/json"
	"testing"
)

func TestFilterMatch(t *testing.T) {
	row := Row{
		"id":         "m1",
		"chat_id":    []byte("c1"),
		"is_deleted": int64(0),
		"username":   "Alice_W",
		"created_at": json.Number("1700000000000"),
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", Where(Eq("id", "m1")), true},
		{"eq bytes vs string", Where(Eq("chat_id", "c1")), true},
		{"eq bool vs integer", Where(Eq("is_deleted", false)), true},
		{"eq number vs int", Where(Eq("created_at", 1700000000000)), true},
		{"neq", Where(Neq("id", "m1")), false},
		{"in hit", Where(In("id", "m0", "m1")), true},
		{"in miss", Where(In("id", "m2")), false},
		{"in empty", Where(In[string]("id")), false},
		{"ilike contains", Where(ILike("username", "%alice%")), true},
		{"ilike single char", Where(ILike("username", "alice_w")), true},
		{"ilike anchored", Where(ILike("username", "lice%")), false},
		{"ilike regexp metachar", Where(ILike("username", "a.*")), false},
		{"or any", Where(Or(Eq("id", "x"), Eq("username", "Alice_W"))), true},
		{"or none", Where(Or(Eq("id", "x"), Eq("id", "y"))), false},
		{"conjunction", Where(Eq("id", "m1"), Eq("chat_id", "c2")), false},
		{"missing column", Where(Eq("reply_to", "m0")), false},
		{"empty filter", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(row); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopeWants(t *testing.T) {
	scope := Scope{
		Table:  TableMessages,
		Events: []EventType{EventInsert},
		Filter: Where(Eq("chat_id", "c1")),
	}
	tests := []struct {
		name string
		c    Change
		want bool
	}{
		{"match", Change{Table: TableMessages, Type: EventInsert, Row: Row{"chat_id": "c1"}}, true},
		{"other table", Change{Table: TableChats, Type: EventInsert, Row: Row{"chat_id": "c1"}}, false},
		{"other event", Change{Table: TableMessages, Type: EventUpdate, Row: Row{"chat_id": "c1"}}, false},
		{"other chat", Change{Table: TableMessages, Type: EventInsert, Row: Row{"chat_id": "c2"}}, false},
	}
	for _, tt := range tests {
		if got := scope.Wants(tt.c); got != tt.want {
			t.Errorf("%s: Wants() = %v, want %v", tt.name, got, tt.want)
		}
	}

	all := Scope{Table: TableMessages}
	if !all.Wants(Change{Table: TableMessages, Type: EventUpdate}) {
		t.Error("scope without events should accept every type")
	}
}
