package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"relaycast/internal/app"
	"relaycast/internal/publish"
)

type rootOptions struct {
	ConfigPath  string
	StopTimeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "relaycast",
		Short:         "Publish signed events to websocket relays",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.json", "path to config (json or yaml)")
	cmd.PersistentFlags().DurationVar(&opts.StopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")

	cmd.AddCommand(newPublishCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPubkeyCommand(opts))
	return cmd
}

func stopApp(a *app.App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Stop(ctx)
}

// outcome is the printed result of one finished unit.
type outcome struct {
	ID      string            `json:"id"`
	Group   string            `json:"group,omitempty"`
	Status  publish.StatusMap `json:"status"`
	Success int               `json:"success"`
	Error   string            `json:"error,omitempty"`
}

func newOutcome(u *publish.Unit, st publish.StatusMap, err error) outcome {
	o := outcome{ID: u.ID(), Status: st, Success: st.Count(publish.Success)}
	if err != nil {
		o.Error = err.Error()
	} else if se := u.SignErr(); se != nil {
		o.Error = se.Error()
	}
	return o
}

// lineWriter writes one JSON document per line from any goroutine.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &lineWriter{enc: enc}
}

func (w *lineWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}
