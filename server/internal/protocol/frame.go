// Package protocol implements the framed wire protocol shared by the hub
// and its clients. Decoding is a pure function over a byte slice that
// copies each field into a new string; it does not decode in place.
// Encoding rejects fields that would corrupt framing.
package protocol

import (
	"bytes"
	"errors"
)

// Frame types. This is a closed set — UnknownType is returned for anything
// else.
const (
	TypeJoin   = "JOIN"
	TypeLeave  = "LEAVE"
	TypeList   = "LIST"
	TypeMsg    = "MSG"
	TypePriv   = "PRIV"
	TypeSystem = "SYSTEM"
)

// SYSTEM sub-kinds, carried in Type on the hub→client direction when
// Source == SourceSystem.
const (
	SystemJoin  = "JOIN"
	SystemLeave = "LEAVE"
	SystemList  = "LIST"
	SystemError = "ERROR"
)

// Reserved names.
const (
	SourceSystem = "SYSTEM"
	DestAll      = "ALL"
)

// MaxContentLen bounds the content field of a single frame. Chosen well
// above the 900-byte floor spec.md requires, and comfortably under 2^16.
const MaxContentLen = 4096

var validTypes = map[string]bool{
	TypeJoin:   true,
	TypeLeave:  true,
	TypeList:   true,
	TypeMsg:    true,
	TypePriv:   true,
	TypeSystem: true,
}

// Frame is one decoded {type, source, destination, content} record.
// Fields returned by the Decode functions are copies, not views of the
// input buffer, so a Frame stays valid after that buffer is reused.
type Frame struct {
	Type    string
	Source  string
	Dest    string
	Content string
}

// Errors returned by Decode.
var (
	// ErrMalformed means the buffer did not contain the three required
	// separators.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnknownType means the type field is not one of the closed set.
	ErrUnknownType = errors.New("protocol: unknown frame type")
)

// Errors returned by Encode.
var (
	ErrSeparatorInField = errors.New("protocol: field contains separator byte")
	ErrContentTooLarge  = errors.New("protocol: content exceeds frame limit")
)

// DecodeRequest parses a client→hub frame: four fields separated by '|' in
// order TYPE|SOURCE|DEST|CONTENT. Everything after the third separator is
// content, including any further '|' bytes. Never reads past buf.
func DecodeRequest(buf []byte) (Frame, error) {
	f0, f1, f2, f3, ok := splitFields(buf, '|')
	if !ok {
		return Frame{}, ErrMalformed
	}
	if !validTypes[f0] {
		return Frame{}, ErrUnknownType
	}
	return Frame{Type: f0, Source: f1, Dest: f2, Content: f3}, nil
}

// DecodeResponse parses a hub→client frame: four fields separated by '\n'
// in order SOURCE\nTYPE\nDEST\nCONTENT. This is the asymmetric half of the
// protocol: the response field order and separator differ from the
// request side by contract (spec.md §4.1, §9) — existing clients depend
// on it, so the two directions are never unified into one codec.
func DecodeResponse(buf []byte) (Frame, error) {
	f0, f1, f2, f3, ok := splitFields(buf, '\n')
	if !ok {
		return Frame{}, ErrMalformed
	}
	if !validTypes[f1] {
		return Frame{}, ErrUnknownType
	}
	return Frame{Type: f1, Source: f0, Dest: f2, Content: f3}, nil
}

// splitFields splits buf on sep into exactly four fields, in the order
// they appear in buf. The caller maps positions to {type, source, dest,
// content} according to which direction is being decoded.
func splitFields(buf []byte, sep byte) (f0, f1, f2, f3 string, ok bool) {
	i1 := bytes.IndexByte(buf, sep)
	if i1 < 0 {
		return "", "", "", "", false
	}
	i2 := bytes.IndexByte(buf[i1+1:], sep)
	if i2 < 0 {
		return "", "", "", "", false
	}
	i2 += i1 + 1
	i3 := bytes.IndexByte(buf[i2+1:], sep)
	if i3 < 0 {
		return "", "", "", "", false
	}
	i3 += i2 + 1

	return string(buf[:i1]), string(buf[i1+1 : i2]), string(buf[i2+1 : i3]), string(buf[i3+1:]), true
}

// EncodeRequest emits a client→hub frame: TYPE|SOURCE|DEST|CONTENT.
func EncodeRequest(f Frame) ([]byte, error) {
	return encode(f.Type, f.Source, f.Dest, f.Content, '|')
}

// EncodeResponse emits a hub→client frame: SOURCE\nTYPE\nDEST\nCONTENT.
func EncodeResponse(f Frame) ([]byte, error) {
	return encode(f.Source, f.Type, f.Dest, f.Content, '\n')
}

func encode(f0, f1, f2, content string, sep byte) ([]byte, error) {
	for _, f := range [...]string{f0, f1, f2} {
		if indexByteString(f, sep) >= 0 {
			return nil, ErrSeparatorInField
		}
	}
	if len(content) > MaxContentLen {
		return nil, ErrContentTooLarge
	}

	buf := make([]byte, 0, len(f0)+len(f1)+len(f2)+len(content)+3)
	buf = append(buf, f0...)
	buf = append(buf, sep)
	buf = append(buf, f1...)
	buf = append(buf, sep)
	buf = append(buf, f2...)
	buf = append(buf, sep)
	buf = append(buf, content...)
	return buf, nil
}

func indexByteString(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
