package job

import (
	"errors"
	"testing"
)

func TestDecodeRelaxedCoercion(t *testing.T) {
	payload := `{
		"object_name": "bob%2freport.pdf",
		"object_size": "2048",
		"window_size": 1024.9,
		"blob": {"size": "8192", "seed": 7.0, "path": "/srv/blob.bin"},
		"sha256": "deadbeef",
		"windows": [
			{"idx": "1", "bref": [{"offset": "5", "length": 9.5, "at": 2}, "junk"], "proto": "SVBWMQA"},
			7,
			{"idx": 0, "raw": "aGk="}
		]
	}`
	j, err := DecodeRelaxed([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeRelaxed: %v", err)
	}
	if j.ObjectSize != 2048 || j.WindowSize != 1024 {
		t.Fatalf("sizes=%d/%d", j.ObjectSize, j.WindowSize)
	}
	if j.Blob.Size != 8192 || j.Blob.Seed != 7 || j.Blob.Path != "/srv/blob.bin" {
		t.Fatalf("blob=%+v", j.Blob)
	}
	if len(j.Windows) != 2 || j.TotalWindows != 2 {
		t.Fatalf("windows=%d total=%d", len(j.Windows), j.TotalWindows)
	}
	w := j.Windows[0]
	if w.Idx != 1 || len(w.Bref) != 1 || w.Bref[0] != (BlobRef{Offset: 5, Length: 9, At: 2}) {
		t.Fatalf("window0=%+v", w)
	}
	if j.Windows[1].Raw != "aGk=" || j.Windows[1].Bref == nil {
		t.Fatalf("window1=%+v", j.Windows[1])
	}
}

func TestDecodeRelaxedDefaults(t *testing.T) {
	j, err := DecodeRelaxed([]byte(`{"window_size": "abc"}`))
	if err != nil {
		t.Fatalf("DecodeRelaxed: %v", err)
	}
	if j.ObjectName != DefaultObjectName || j.WindowSize != DefaultWindowSize || j.TotalWindows != 1 {
		t.Fatalf("defaults=%+v", j)
	}
	if j.Blob.Size != 4<<20 || j.Blob.Seed != 1337 {
		t.Fatalf("blob defaults=%+v", j.Blob)
	}
}

func TestDecodeRelaxedRejects(t *testing.T) {
	if _, err := DecodeRelaxed([]byte(`[1,2]`)); !errors.Is(err, ErrNotObject) {
		t.Fatalf("expected ErrNotObject, got %v", err)
	}
	if _, err := DecodeRelaxed([]byte(`{`)); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}
