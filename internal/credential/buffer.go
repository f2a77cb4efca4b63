package credential

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// buffer is a binary field in a credential payload. It accepts a plain base64
// string or the {"type":"Buffer","data":...} object written by JS session
// exporters, where data is base64 or an array of byte values.
type buffer []byte

func (b *buffer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := decodeBase64(s)
		if err != nil {
			return err
		}
		*b = raw
		return nil
	case '{':
		var obj struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.Type != "" && obj.Type != "Buffer" {
			return errors.New("unsupported buffer type " + obj.Type)
		}
		return b.UnmarshalJSON(obj.Data)
	case '[':
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		raw := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return errors.New("buffer value out of byte range")
			}
			raw[i] = byte(v)
		}
		*b = raw
		return nil
	default:
		return errors.New("buffer must be a base64 string, byte array or Buffer object")
	}
}

func (b buffer) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeBase64 tolerates line breaks and both the standard and URL-safe
// alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)

	var firstErr error
	for _, enc := range base64Encodings {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
