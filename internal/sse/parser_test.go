package sse

import (
	"reflect"
	"testing"
)

func feedAll(p *Parser, input string) []Frame {
	return p.Feed([]byte(input))
}

func TestFeed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Frame
	}{
		{
			name:  "full frame",
			input: "event: task_update\nid: 5\ndata: {\"a\":1}\n\n",
			want:  []Frame{{Event: "task_update", ID: "5", Data: `{"a":1}`}},
		},
		{
			name:  "data only",
			input: "data: hello\n\n",
			want:  []Frame{{Data: "hello"}},
		},
		{
			name:  "multiple data lines joined with newline",
			input: "data: one\ndata: two\n\n",
			want:  []Frame{{Data: "one\ntwo"}},
		},
		{
			name:  "comment lines ignored",
			input: ": keepalive\n\ndata: x\n\n",
			want:  []Frame{{Data: "x"}},
		},
		{
			name:  "no space after colon accepted",
			input: "event:ping\ndata:1\n\n",
			want:  []Frame{{Event: "ping", Data: "1"}},
		},
		{
			name:  "crlf line endings",
			input: "event: e\r\ndata: v\r\n\r\n",
			want:  []Frame{{Event: "e", Data: "v"}},
		},
		{
			name:  "id without data still emitted",
			input: "id: 9\n\n",
			want:  []Frame{{ID: "9"}},
		},
		{
			name:  "two frames",
			input: "data: a\n\ndata: b\n\n",
			want:  []Frame{{Data: "a"}, {Data: "b"}},
		},
		{
			name:  "blank lines between frames ignored",
			input: "\n\ndata: a\n\n\n",
			want:  []Frame{{Data: "a"}},
		},
		{
			name:  "unterminated frame not emitted",
			input: "data: partial\n",
			want:  nil,
		},
		{
			name:  "unknown field ignored",
			input: "retry: 1000\ndata: a\n\n",
			want:  []Frame{{Data: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(NewParser(), tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Feed(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

// A frame must decode identically no matter where the chunk boundaries fall.
func TestFeedArbitrarySplitPoints(t *testing.T) {
	input := "event: task_update\nid: 5\ndata: {\"a\":1}\n\n"
	want := []Frame{{Event: "task_update", ID: "5", Data: `{"a":1}`}}

	for split := 0; split <= len(input); split++ {
		p := NewParser()
		var got []Frame
		got = append(got, p.Feed([]byte(input[:split]))...)
		got = append(got, p.Feed([]byte(input[split:]))...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: got %#v, want %#v", split, got, want)
		}
	}
}

func TestFeedByteAtATime(t *testing.T) {
	input := "data: one\ndata: two\n\nid: 7\nevent: task_update\ndata: x\n\n"
	want := []Frame{
		{Data: "one\ntwo"},
		{Event: "task_update", ID: "7", Data: "x"},
	}

	p := NewParser()
	var got []Frame
	for i := 0; i < len(input); i++ {
		got = append(got, p.Feed([]byte{input[i]})...)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestParserStateResetBetweenFrames(t *testing.T) {
	p := NewParser()
	first := p.Feed([]byte("event: a\nid: 1\ndata: x\n\n"))
	second := p.Feed([]byte("data: y\n\n"))

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one frame per feed, got %d and %d", len(first), len(second))
	}
	if second[0].Event != "" || second[0].ID != "" {
		t.Errorf("second frame inherited state from first: %#v", second[0])
	}
}
