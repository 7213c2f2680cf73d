package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/quasijson"
)

func mustParse(t *testing.T, text string) quasijson.Value {
	t.Helper()
	v, err := quasijson.ParseStrict(text)
	if err != nil {
		t.Fatalf("ParseStrict(%s) error = %v", text, err)
	}
	return v
}

func TestMap_FullMessage(t *testing.T) {
	v := mustParse(t, `{
		"id": "m1",
		"type": "private",
		"from": "05aa",
		"author": {"displayName": "Alice"},
		"text": "hello",
		"timestamp": 1700000000123,
		"attachments": [{
			"id": "a1",
			"metadata": {"width": 10, "height": 20, "contentType": "image/jpeg"},
			"size": 99,
			"name": "pic.jpg",
			"_key": {"0": 1, "1": 255},
			"_digest": [4, 5, 6]
		}]
	}`)

	got, dropped, err := Map(v)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if len(dropped) != 0 {
		t.Errorf("dropped = %v, want none", dropped)
	}

	want := model.Message{
		ID:         "m1",
		Type:       "private",
		SenderID:   "05aa",
		SenderName: "Alice",
		Text:       "hello",
		Timestamp:  time.UnixMilli(1700000000123).UTC(),
		Attachments: []model.Attachment{{
			ID:       "a1",
			Metadata: model.AttachmentMetadata{Width: 10, Height: 20, ContentType: "image/jpeg"},
			Size:     99,
			Name:     "pic.jpg",
			Key:      model.ByteIndex{1, 255},
			Digest:   model.ByteIndex{4, 5, 6},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Map() mismatch (-want +got):\n%s", diff)
	}
}

func TestMap_SenderForms(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantID   string
		wantName string
	}{
		{
			name:   "plain sender id",
			json:   `{"id":"1","type":"t","from":"u1","text":"x","timestamp":1}`,
			wantID: "u1",
		},
		{
			name:     "sender object with nested author",
			json:     `{"id":"1","type":"t","from":{"id":"u2","author":{"displayName":"Bob"}},"text":"x","timestamp":1}`,
			wantID:   "u2",
			wantName: "Bob",
		},
		{
			name:     "top-level author wins",
			json:     `{"id":"1","type":"t","from":{"id":"u3","author":{"displayName":"Nested"}},"author":{"displayName":"Top"},"text":"x","timestamp":1}`,
			wantID:   "u3",
			wantName: "Top",
		},
		{
			name:   "numeric sender id",
			json:   `{"id":"1","type":"t","from":42,"text":"x","timestamp":1}`,
			wantID: "42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Map(mustParse(t, tt.json))
			if err != nil {
				t.Fatalf("Map() error = %v", err)
			}
			if got.SenderID != tt.wantID || got.SenderName != tt.wantName {
				t.Errorf("sender = (%q, %q), want (%q, %q)", got.SenderID, got.SenderName, tt.wantID, tt.wantName)
			}
		})
	}
}

func TestMap_NumericIDLiteral(t *testing.T) {
	got, _, err := Map(mustParse(t, `{"id":12345678901234567890,"type":"t","from":"u","text":"x","timestamp":1}`))
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if got.ID != "12345678901234567890" {
		t.Errorf("ID = %q", got.ID)
	}
}

func TestMap_Timestamps(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{name: "milliseconds", raw: `1700000000000`, want: time.UnixMilli(1700000000000).UTC()},
		{name: "seconds", raw: `1700000000`, want: time.Unix(1700000000, 0).UTC()},
		{name: "fractional seconds", raw: `1700000000.5`, want: time.Unix(1700000000, 500000000).UTC()},
		{name: "numeric string", raw: `"1700000000000"`, want: time.UnixMilli(1700000000000).UTC()},
		{name: "rfc3339", raw: `"2023-11-14T22:13:20.000Z"`, want: time.Unix(1700000000, 0).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Map(mustParse(t, `{"id":"1","type":"t","from":"u","text":"x","timestamp":`+tt.raw+`}`))
			if err != nil {
				t.Fatalf("Map() error = %v", err)
			}
			if !got.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", got.Timestamp, tt.want)
			}
			if got.Timestamp.Location() != time.UTC {
				t.Errorf("Timestamp location = %v, want UTC", got.Timestamp.Location())
			}
		})
	}
}

func TestMap_RequiredFields(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantPath string
		wantErr  error
	}{
		{name: "missing id", json: `{"type":"t","from":"u","text":"x","timestamp":1}`, wantPath: "id", wantErr: ErrMissingField},
		{name: "missing type", json: `{"id":"1","from":"u","text":"x","timestamp":1}`, wantPath: "type", wantErr: ErrMissingField},
		{name: "missing from", json: `{"id":"1","type":"t","text":"x","timestamp":1}`, wantPath: "from", wantErr: ErrMissingField},
		{name: "sender object without id", json: `{"id":"1","type":"t","from":{},"text":"x","timestamp":1}`, wantPath: "from.id", wantErr: ErrMissingField},
		{name: "missing text", json: `{"id":"1","type":"t","from":"u","timestamp":1}`, wantPath: "text", wantErr: ErrMissingField},
		{name: "null text", json: `{"id":"1","type":"t","from":"u","text":null,"timestamp":1}`, wantPath: "text", wantErr: ErrMissingField},
		{name: "text not a string", json: `{"id":"1","type":"t","from":"u","text":5,"timestamp":1}`, wantPath: "text", wantErr: ErrWrongType},
		{name: "missing timestamp", json: `{"id":"1","type":"t","from":"u","text":"x"}`, wantPath: "timestamp", wantErr: ErrMissingField},
		{name: "negative timestamp", json: `{"id":"1","type":"t","from":"u","text":"x","timestamp":-5}`, wantPath: "timestamp", wantErr: ErrOutOfRange},
		{name: "overflowing timestamp", json: `{"id":"1","type":"t","from":"u","text":"x","timestamp":1e400}`, wantPath: "timestamp", wantErr: ErrOutOfRange},
		{name: "unparseable timestamp", json: `{"id":"1","type":"t","from":"u","text":"x","timestamp":"yesterday"}`, wantPath: "timestamp", wantErr: ErrWrongType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Map(mustParse(t, tt.json))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Map() error = %v, want %v", err, tt.wantErr)
			}
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("Map() error = %T, want *FieldError", err)
			}
			if fieldErr.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", fieldErr.Path, tt.wantPath)
			}
		})
	}
}

func TestMap_NotAnObject(t *testing.T) {
	_, _, err := Map(quasijson.Array())
	if !errors.Is(err, ErrWrongType) {
		t.Errorf("Map() error = %v, want ErrWrongType", err)
	}
}

func TestMap_Attachments(t *testing.T) {
	const head = `{"id":"1","type":"t","from":"u","text":"x","timestamp":1`
	const good = `{"id":"a1","metadata":{"width":1,"height":2,"contentType":"image/png"},"size":3,"name":"ok.png"}`

	tests := []struct {
		name        string
		json        string
		wantIDs     []string
		wantDropped []string
	}{
		{name: "field absent", json: head + `}`},
		{name: "null", json: head + `,"attachments":null}`},
		{name: "empty list", json: head + `,"attachments":[]}`},
		{
			name:    "one good",
			json:    head + `,"attachments":[` + good + `]}`,
			wantIDs: []string{"a1"},
		},
		{
			name:        "good and missing width",
			json:        head + `,"attachments":[` + good + `,{"id":"a2","metadata":{"height":2,"contentType":"image/png"},"size":3,"name":"bad.png"}]}`,
			wantIDs:     []string{"a1"},
			wantDropped: []string{"attachments[1].metadata.width"},
		},
		{
			name:        "all bad",
			json:        head + `,"attachments":[{"id":"a2"},{"metadata":{}}]}`,
			wantDropped: []string{"attachments[0].metadata.width", "attachments[1].id"},
		},
		{
			name:        "bad byte index",
			json:        head + `,"attachments":[{"id":"a3","metadata":{"width":1,"height":2,"contentType":"x"},"size":3,"name":"n","_key":{"0":1,"2":3}}]}`,
			wantDropped: []string{"attachments[0]._key"},
		},
		{
			name:        "byte out of range",
			json:        head + `,"attachments":[{"id":"a3","metadata":{"width":1,"height":2,"contentType":"x"},"size":3,"name":"n","_digest":[1,256]}]}`,
			wantDropped: []string{"attachments[0]._digest[1]"},
		},
		{
			name:        "attachments not a list",
			json:        head + `,"attachments":"nope"}`,
			wantDropped: []string{"attachments"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dropped, err := Map(mustParse(t, tt.json))
			if err != nil {
				t.Fatalf("Map() error = %v", err)
			}

			var ids []string
			for _, att := range got.Attachments {
				ids = append(ids, att.ID)
			}
			if diff := cmp.Diff(tt.wantIDs, ids); diff != "" {
				t.Errorf("attachment ids mismatch (-want +got):\n%s", diff)
			}
			if len(tt.wantIDs) == 0 && got.Attachments != nil {
				t.Errorf("Attachments = %#v, want nil", got.Attachments)
			}

			var paths []string
			for _, d := range dropped {
				var fieldErr *FieldError
				if !errors.As(d, &fieldErr) {
					t.Fatalf("dropped error %v is not a *FieldError", d)
				}
				paths = append(paths, fieldErr.Path)
			}
			if diff := cmp.Diff(tt.wantDropped, paths); diff != "" {
				t.Errorf("dropped paths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMap_ByteIndexDefaults(t *testing.T) {
	v := mustParse(t, `{"id":"1","type":"t","from":"u","text":"x","timestamp":1,
		"attachments":[{"id":"a","metadata":{"width":1,"height":1,"contentType":"x"},"size":0,"name":"n","key":[7]}]}`)

	got, _, err := Map(v)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	att := got.Attachments[0]
	if diff := cmp.Diff(model.ByteIndex{7}, att.Key); diff != "" {
		t.Errorf("Key mismatch (-want +got):\n%s", diff)
	}
	if att.Digest == nil || len(att.Digest) != 0 {
		t.Errorf("Digest = %#v, want empty non-nil index", att.Digest)
	}
}

func TestMapAll_KeepsOrderAndSkipsFailures(t *testing.T) {
	values := []quasijson.Value{
		mustParse(t, `{"id":"1","type":"t","from":"u","text":"a","timestamp":1}`),
		mustParse(t, `{"id":"2","type":"t","from":"u","timestamp":1}`),
		mustParse(t, `{"id":"3","type":"t","from":"u","text":"c","timestamp":1}`),
	}

	got := MapAll(values)
	var ids []string
	for _, msg := range got {
		ids = append(ids, msg.ID)
	}
	if diff := cmp.Diff([]string{"1", "3"}, ids); diff != "" {
		t.Errorf("MapAll() ids mismatch (-want +got):\n%s", diff)
	}
}
