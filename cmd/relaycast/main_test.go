package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeLine(t *testing.T) {
	t.Parallel()
	l, err := decodeLine([]byte(`{"event":{"kind":1,"content":"hi"},"relays":["wss://a"],"delay":"2s"}`))
	require.NoError(t, err)
	req, err := l.request()
	require.NoError(t, err)
	require.Equal(t, "hi", req.Event.Content)
	require.Equal(t, 2*time.Second, req.Delay)
	require.Equal(t, []string{"wss://a"}, req.Relays)

	l, err = decodeLine([]byte(`{"batch":[{"event":{"kind":1}},{"event":{"kind":2}}]}`))
	require.NoError(t, err)
	require.Len(t, l.Batch, 2)

	l, err = decodeLine([]byte(`{"abort":"abc"}`))
	require.NoError(t, err)
	require.Equal(t, "abc", l.Abort)

	for _, bad := range []string{`{}`, `{"abort":"x","event":{}}`, `not json`} {
		_, err := decodeLine([]byte(bad))
		require.Error(t, err, bad)
	}

	l, err = decodeLine([]byte(`{"event":{},"timeout":"soon"}`))
	require.NoError(t, err)
	_, err = l.request()
	require.Error(t, err)
}

func TestParseTags(t *testing.T) {
	t.Parallel()
	tags, err := parseTags([]string{`["t","go"]`, `["p","abc","wss://r"]`})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"t", "go"}, {"p", "abc", "wss://r"}}, tags)

	_, err = parseTags([]string{`[]`})
	require.Error(t, err)
	_, err = parseTags([]string{`"t"`})
	require.Error(t, err)
}

func TestLineWriterKeepsMarkup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, newLineWriter(&buf).Write(map[string]string{"error": "<bad>"}))
	require.Equal(t, "{\"error\":\"<bad>\"}\n", buf.String())
}
