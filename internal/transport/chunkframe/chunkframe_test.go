package chunkframe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func TestEncodeSmallPayloadUnframed(t *testing.T) {
	frames, err := Encode([]byte(`{"a":1}`), 16)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != `{"a":1}` {
		t.Fatalf("frames=%q", frames)
	}
	if d := Decode(frames[0]); d.Kind != NotApplicable {
		t.Fatalf("kind=%v", d.Kind)
	}
}

func TestRoundTripShuffled(t *testing.T) {
	payload := bytes.Repeat([]byte("windowed transfer "), 500)
	frames, err := Encode(payload, 1000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frames) != (len(payload)+999)/1000 {
		t.Fatalf("frames=%d", len(frames))
	}
	rand.New(rand.NewSource(1)).Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })
	a := NewAssembler(0, 0)
	for i, f := range frames {
		out, st, err := a.Accept(f)
		if err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
		if i < len(frames)-1 {
			if st != Pending {
				t.Fatalf("frame %d status=%v", i, st)
			}
			continue
		}
		if st != Complete || !bytes.Equal(out, payload) {
			t.Fatalf("final status=%v equal=%v", st, bytes.Equal(out, payload))
		}
	}
	if a.Len() != 0 {
		t.Fatalf("pending=%d", a.Len())
	}
}

func TestDuplicateIndexRejected(t *testing.T) {
	frames, _ := Encode(bytes.Repeat([]byte("x"), 30), 10)
	a := NewAssembler(0, 0)
	if _, _, err := a.Accept(frames[0]); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, _, err := a.Accept(frames[0]); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("pending=%d after duplicate", a.Len())
	}
	// The rest of the sequence starts over and cannot complete.
	for i, f := range frames[1:] {
		_, st, err := a.Accept(f)
		if err != nil {
			t.Fatalf("Accept %d: %v", i+1, err)
		}
		if st == Complete {
			t.Fatalf("frame %d completed a discarded message", i+1)
		}
	}
	if a.Len() != 1 {
		t.Fatalf("pending=%d", a.Len())
	}
}

func frame(id string, index, total int, payload string) []byte {
	return []byte(fmt.Sprintf(`{"wire":%q,"type":%q,"id":%q,"index":%d,"total":%d,"payload":%q}`, WireVersion, FrameType, id, index, total, payload))
}

func TestTotalMismatchDropsMessage(t *testing.T) {
	a := NewAssembler(0, 0)
	if _, _, err := a.Accept(frame("m", 0, 3, "YQ==")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, _, err := a.Accept(frame("m", 1, 4, "Yg==")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("pending=%d", a.Len())
	}
}

func TestByteLimit(t *testing.T) {
	a := NewAssembler(0, 2)
	if _, _, err := a.Accept(frame("m", 0, 2, "YWI=")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, _, err := a.Accept(frame("m", 1, 2, "Yw==")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v", err)
	}
}

func TestEvictsOldest(t *testing.T) {
	a := NewAssembler(2, 0)
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := a.Accept(frame(id, 0, 2, "eA==")); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	if a.Len() != 2 {
		t.Fatalf("pending=%d", a.Len())
	}
	// "a" was evicted, so its second half starts a fresh sequence.
	if _, st, err := a.Accept(frame("a", 1, 2, "eQ==")); err != nil || st != Pending {
		t.Fatalf("status=%v err=%v", st, err)
	}
	if out, st, err := a.Accept(frame("c", 1, 2, "eQ==")); err != nil || st != Complete || string(out) != "xy" {
		t.Fatalf("out=%q status=%v err=%v", out, st, err)
	}
}

func TestDecodeClassification(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want Kind
	}{
		{name: "plain-json", msg: `{"type":"PREF"}`, want: NotApplicable},
		{name: "not-json", msg: `hello`, want: NotApplicable},
		{name: "array", msg: `[1]`, want: NotApplicable},
		{name: "other-wire", msg: `{"wire":"v0","type":"job-chunk"}`, want: NotApplicable},
		{name: "missing-id", msg: `{"wire":"transfer-sdk.v1","type":"job-chunk","index":0,"total":1,"payload":""}`, want: Invalid},
		{name: "float-index", msg: `{"wire":"transfer-sdk.v1","type":"job-chunk","id":"x","index":0.5,"total":1,"payload":""}`, want: Invalid},
		{name: "index-range", msg: string(frame("x", 2, 2, "eA==")), want: Invalid},
		{name: "zero-total", msg: string(frame("x", 0, 0, "eA==")), want: Invalid},
		{name: "bad-base64", msg: string(frame("x", 0, 1, "!!")), want: Invalid},
		{name: "empty-multi", msg: string(frame("x", 0, 2, "")), want: Invalid},
		{name: "empty-single", msg: string(frame("x", 0, 1, "")), want: Valid},
		{name: "numeric-id", msg: `{"wire":"transfer-sdk.v1","type":"job-chunk","id":7,"index":0,"total":1,"payload":"eA=="}`, want: Valid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decode([]byte(tc.msg))
			if d.Kind != tc.want {
				t.Fatalf("kind=%v want %v (err=%v)", d.Kind, tc.want, d.Err)
			}
			if d.Kind == Invalid && !errors.Is(d.Err, ErrInvalid) {
				t.Fatalf("err=%v", d.Err)
			}
		})
	}
}

func TestEncodedFrameShape(t *testing.T) {
	frames, _ := Encode([]byte("abcdef"), 4)
	var got map[string]any
	if err := json.Unmarshal(frames[1], &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["wire"] != WireVersion || got["type"] != FrameType || got["index"] != 1.0 || got["total"] != 2.0 || got["payload"] != "ZWY=" {
		t.Fatalf("frame=%v", got)
	}
	if id, _ := got["id"].(string); len(id) != 32 {
		t.Fatalf("id=%v", got["id"])
	}
}

func FuzzAccept(f *testing.F) {
	f.Add(frame("x", 0, 1, "eA=="))
	f.Add([]byte(`{"wire":"transfer-sdk.v1"}`))
	f.Fuzz(func(t *testing.T, msg []byte) {
		a := NewAssembler(4, 1<<10)
		_, _, _ = a.Accept(msg)
	})
}
