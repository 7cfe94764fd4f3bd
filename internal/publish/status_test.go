package publish

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergePrecedence(t *testing.T) {
	t.Parallel()
	st := func(k Kind, msg string) Status { return Status{Kind: k, Message: msg} }

	cases := []struct {
		name string
		a, b Status
		want Status
	}{
		{"success and pending", st(Success, "ok"), st(Pending, "sending"), st(Pending, "sending")},
		{"success and aborted", st(Success, "ok"), st(Aborted, ""), st(Aborted, "")},
		{"failure and timeout", st(Timeout, "slow"), st(Failure, "blocked"), st(Failure, "blocked")},
		{"same kind first member wins", st(Failure, "first"), st(Failure, "second"), st(Failure, "first")},
		{"success and success", st(Success, "a"), st(Success, "b"), st(Success, "a")},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Merge(StatusMap{"wss://r": tc.a}, StatusMap{"wss://r": tc.b})
			require.Equal(t, tc.want, got["wss://r"])
		})
	}
}

func TestMergeUnionOfRelays(t *testing.T) {
	t.Parallel()
	got := Merge(
		StatusMap{"a": {Kind: Success}},
		nil,
		StatusMap{"b": {Kind: Timeout}},
	)
	require.Equal(t, StatusMap{"a": {Kind: Success}, "b": {Kind: Timeout}}, got)
	require.Empty(t, Merge())
}

func TestStatusErrAndJSON(t *testing.T) {
	t.Parallel()
	require.NoError(t, Status{Kind: Success}.Err())
	require.NoError(t, Status{Kind: Pending}.Err())
	require.ErrorIs(t, Status{Kind: Timeout}.Err(), ErrSendTimeout)
	require.ErrorIs(t, Status{Kind: Failure, Message: "blocked"}.Err(), ErrSendFailure)
	require.ErrorIs(t, Status{Kind: Aborted}.Err(), ErrAborted)

	b, err := json.Marshal(StatusMap{"r": {Kind: Timeout, Message: "slow"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"r":{"kind":"timeout","message":"slow"}}`, string(b))

	var back StatusMap
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, Timeout, back["r"].Kind)
	require.True(t, back.Terminal())
	require.False(t, StatusMap{"r": {Kind: Pending}}.Terminal())
}
