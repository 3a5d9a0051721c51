// Package ndjson implements the newline-delimited JSON ingestion protocol
// carried over QUIC streams and UDP datagrams.
//
// A session is PREF, then WIN/BREF|RAW/END groups, then DONE. Windows may
// arrive in any order; the object is their concatenation by index.
package ndjson

import (
	"bytes"
	"encoding/json"
)

// Message types.
const (
	TypePref = "PREF"
	TypeWin  = "WIN"
	TypeBref = "BREF"
	TypeRaw  = "RAW"
	TypeEnd  = "END"
	TypeDone = "DONE"
)

// Message is one protocol line. Only the fields relevant to T are set.
type Message struct {
	T    string     `json:"t"`
	User string     `json:"user,omitempty"`
	Name string     `json:"name,omitempty"`
	WS   int        `json:"ws,omitempty"`
	PSK  string     `json:"psk,omitempty"`
	I    *int       `json:"i,omitempty"`
	C    [][2]int64 `json:"c,omitempty"`
	P    string     `json:"p,omitempty"`
}

// Pref returns a PREF message.
func Pref(user, name string, ws int, psk string) Message {
	return Message{T: TypePref, User: user, Name: name, WS: ws, PSK: psk}
}

// Win returns a WIN message opening window i.
func Win(i int) Message { return Message{T: TypeWin, I: &i} }

// Bref returns a BREF message. An empty list still encodes as "c":[].
func Bref(refs [][2]int64) Message {
	if refs == nil {
		refs = [][2]int64{}
	}
	return Message{T: TypeBref, C: refs}
}

// Marshal renders msgs as NDJSON with a trailing newline.
func Marshal(msgs []Message) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range msgs {
		line, err := marshalMessage(m)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func marshalMessage(m Message) ([]byte, error) {
	if m.T == TypeBref {
		c := m.C
		if c == nil {
			c = [][2]int64{}
		}
		return json.Marshal(struct {
			T string     `json:"t"`
			C [][2]int64 `json:"c"`
		}{m.T, c})
	}
	return json.Marshal(m)
}
