package wireproto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type pingBody struct {
	Nonce uint64 `json:"nonce"`
}

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(KindPing, 7, pingBody{Nonce: 42})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, KindPing, got.Kind)
	require.Equal(t, uint64(7), got.Seq)

	var body pingBody
	require.NoError(t, got.Decode(&body))
	require.Equal(t, uint64(42), body.Nonce)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestErrorFrameRoundTrip(t *testing.T) {
	f := NewErrorFrame(1, errors.New("boom"))
	require.Equal(t, KindError, f.Kind)

	err := AsError(f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestAsErrorNonErrorFrame(t *testing.T) {
	f, err := NewFrame(KindPong, 1, struct{}{})
	require.NoError(t, err)
	require.Nil(t, AsError(f))
}
