package models

import (
	"encoding/json"
	"testing"
)

func TestIdentity_TextRoundTrip(t *testing.T) {
	in := map[Identity]string{
		ServerID("42"):  "disabled",
		LocalID("tmp1"): "enabled",
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out map[Identity]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out[ServerID("42")] != "disabled" || out[LocalID("tmp1")] != "enabled" {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    Identity
		wantErr bool
	}{
		{"server:1", ServerID("1"), false},
		{"local:abc", LocalID("abc"), false},
		{"local:", Identity{}, true},
		{"remote:1", Identity{}, true},
		{"1", Identity{}, true},
	}
	for _, tt := range tests {
		got, err := ParseIdentity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIdentity(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIdentity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRecord_IdentityPrefersServerID(t *testing.T) {
	r := Record{"id": json.Number("7"), "tempId": "t-1"}
	id, ok := r.Identity()
	if !ok || id != ServerID("7") {
		t.Errorf("Identity() = %v, %v; want server:7", id, ok)
	}

	r = Record{"tempId": "t-1"}
	id, ok = r.Identity()
	if !ok || id != LocalID("t-1") {
		t.Errorf("Identity() = %v, %v; want local:t-1", id, ok)
	}

	if _, ok := (Record{"name": "x"}).Identity(); ok {
		t.Error("record without id or tempId should have no identity")
	}
}

func TestRecord_MatchesIsPerKind(t *testing.T) {
	r := Record{"id": json.Number("5"), "tempId": "5"}
	if !r.Matches(ServerID("5")) {
		t.Error("expected server match")
	}
	if !r.Matches(LocalID("5")) {
		t.Error("expected local match on tempId")
	}
	if (Record{"id": "5"}).Matches(LocalID("5")) {
		t.Error("local identity must not match a server id")
	}
}

func TestExtractList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		n    int
		ok   bool
	}{
		{"bare array", `[{"id":1},{"id":2}]`, 2, true},
		{"data envelope", `{"status":"success","data":[{"id":1}]}`, 1, true},
		{"items envelope", `{"items":[]}`, 0, true},
		{"object", `{"id":1}`, 0, false},
		{"garbage", `not json`, 0, false},
		{"empty", ``, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, ok := ExtractList([]byte(tt.raw))
			if ok != tt.ok || len(list) != tt.n {
				t.Errorf("ExtractList = %d items, %v; want %d, %v", len(list), ok, tt.n, tt.ok)
			}
		})
	}

	list, _ := ExtractList([]byte(`[{"id":12345678901234}]`))
	if got := IDString(list[0]["id"]); got != "12345678901234" {
		t.Errorf("large id lost precision: %s", got)
	}
}

func TestExtractRecord(t *testing.T) {
	r, ok := ExtractRecord([]byte(`{"data":{"id":9,"tempId":"t"}}`))
	if !ok || IDString(r["id"]) != "9" {
		t.Errorf("ExtractRecord envelope = %v, %v", r, ok)
	}
	r, ok = ExtractRecord([]byte(`{"id":"abc"}`))
	if !ok || r["id"] != "abc" {
		t.Errorf("ExtractRecord bare = %v, %v", r, ok)
	}
	if _, ok := ExtractRecord([]byte(`[1,2]`)); ok {
		t.Error("array should not extract as a record")
	}
}

func TestRecord_Merge(t *testing.T) {
	base := Record{"id": "1", "status": "enabled", "name": "van"}
	merged := base.Merge(Record{"status": "disabled"})
	if merged["status"] != "disabled" || merged["name"] != "van" {
		t.Errorf("Merge = %v", merged)
	}
	if base["status"] != "enabled" {
		t.Error("Merge must not modify the receiver")
	}
}

func TestReplaceList(t *testing.T) {
	list := []Record{{"id": json.Number("1"), "name": "A"}, {"name": "B"}}
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"nothing cached", ``, `[{"id":1,"name":"A"},{"name":"B"}]`},
		{"bare array", `[{"id":1}]`, `[{"id":1,"name":"A"},{"name":"B"}]`},
		{"data envelope", `{"data":[{"id":1}],"total":1}`, `{"data":[{"id":1,"name":"A"},{"name":"B"}],"total":1}`},
		{"nested envelope", `{"data":{"items":[],"page":2},"ok":true}`, `{"data":{"items":[{"id":1,"name":"A"},{"name":"B"}],"page":2},"ok":true}`},
		{"single object", `{"id":1,"name":"A"}`, `[{"id":1,"name":"A"},{"name":"B"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReplaceList([]byte(tc.raw), list)
			if err != nil {
				t.Fatalf("ReplaceList: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestQueuedMutation_Rows(t *testing.T) {
	target := ServerID("3")
	cases := []struct {
		name string
		m    QueuedMutation
		want []Identity
	}{
		{"create", QueuedMutation{Method: MethodPost, TempID: "t1"}, []Identity{LocalID("t1")}},
		{"post without temp id", QueuedMutation{Method: MethodPost, AffectedIDs: ServerIDs("1")}, nil},
		{"put with target", QueuedMutation{Method: MethodPut, Target: &target, AffectedIDs: ServerIDs("1")}, []Identity{target}},
		{"put by affected ids", QueuedMutation{Method: MethodPut, AffectedIDs: ServerIDs("1", "2")}, ServerIDs("1", "2")},
		{"pending status", QueuedMutation{Method: MethodPut, AffectedIDs: ServerIDs("1"), PendingStatus: "disabled"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.m.Rows()
			if len(got) != len(tc.want) {
				t.Fatalf("Rows() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("Rows()[%d] = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
