package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr string
	}{
		{name: "ready", frame: Frame{Type: TypeReady}},
		{name: "pushed message", frame: Frame{Type: TypeMessage, Message: "hi"}},
		{name: "submit", frame: Frame{Type: TypeSubmit, ID: "1", Text: "status"}},
		{name: "missing type", frame: Frame{}, wantErr: "missing required field: type"},
		{name: "unknown type", frame: Frame{Type: "poll"}, wantErr: "unknown frame type"},
		{name: "drain_one without id", frame: Frame{Type: TypeDrainOne}, wantErr: "drain_one frame missing required field: id"},
		{name: "error without text", frame: Frame{Type: TypeError, ID: "1"}, wantErr: "no error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.frame)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEncoderWritesOneLinePerFrame(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(Frame{Type: TypeSubmit, ID: "a", Text: "status"}))
	require.NoError(t, enc.Encode(Frame{Type: TypeReady}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"submit","id":"a","text":"status"}`, lines[0])
	assert.JSONEq(t, `{"type":"ready"}`, lines[1])
}

func TestEncoderRejectsInvalidFrame(t *testing.T) {
	var buf bytes.Buffer
	err := NewEncoder(&buf).Encode(Frame{Type: TypeRun})
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestDecoderSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"ready"}`,
		``,
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"messages","id":"x","messages":["a","b"]}`,
	}, "\n")
	dec := NewDecoder(strings.NewReader(input))

	f, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeReady, f.Type)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, ErrMalformed)

	f, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, f.Messages)

	_, err = dec.Decode()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestIsReply(t *testing.T) {
	assert.True(t, Frame{Type: TypeDone, ID: "1"}.IsReply())
	assert.True(t, Frame{Type: TypeMessage, ID: "1"}.IsReply())
	assert.False(t, Frame{Type: TypeMessage}.IsReply())
	assert.False(t, Frame{Type: TypeError, Error: "boom"}.IsReply())
	assert.False(t, Frame{Type: TypeSubmit, ID: "1"}.IsReply())
}
