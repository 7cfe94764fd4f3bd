package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"relaycast/internal/app"
	"relaycast/internal/config"
	"relaycast/internal/event"
	"relaycast/internal/publish"
	logx "relaycast/pkg/logx"
)

type runOptions struct {
	*rootOptions
	Once bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve publish requests read as JSON lines from stdin",
		Long: `Serve publish requests read as JSON lines from stdin.

Each line is one of:
  {"event": {...}, "relays": ["wss://..."], "delay": "1s", "timeout": "5s"}
  {"batch": [{"event": {...}}, {"event": {...}}]}
  {"abort": "<event id>"}

Every finished publication is printed to stdout as one JSON line. The config
file is watched and reloaded while running. The process notifies systemd
when it is ready and when it starts stopping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit after stdin is exhausted and all publications finished")
	return cmd
}

// requestLine is one line of run input.
type requestLine struct {
	Event   *event.Event  `json:"event,omitempty"`
	Relays  []string      `json:"relays,omitempty"`
	Delay   string        `json:"delay,omitempty"`
	Timeout string        `json:"timeout,omitempty"`
	Batch   []requestLine `json:"batch,omitempty"`
	Abort   string        `json:"abort,omitempty"`
}

func (l requestLine) request() (publish.Request, error) {
	if l.Event == nil {
		return publish.Request{}, errors.New("missing event")
	}
	delay, err := config.ParseDurationField("delay", l.Delay)
	if err != nil {
		return publish.Request{}, err
	}
	timeout, err := config.ParseDurationField("timeout", l.Timeout)
	if err != nil {
		return publish.Request{}, err
	}
	return publish.Request{Event: *l.Event, Relays: l.Relays, Delay: delay, Timeout: timeout}, nil
}

func decodeLine(b []byte) (requestLine, error) {
	var l requestLine
	if err := json.Unmarshal(b, &l); err != nil {
		return l, err
	}
	n := 0
	if l.Event != nil {
		n++
	}
	if len(l.Batch) > 0 {
		n++
	}
	if l.Abort != "" {
		n++
	}
	if n != 1 {
		return l, errors.New("line must carry exactly one of event, batch or abort")
	}
	return l, nil
}

func runServe(cmd *cobra.Command, opts *runOptions) (err error) {
	a, err := app.New(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := a.Start(cmd.Context()); err != nil {
		_ = stopApp(a, opts.StopTimeout)
		return err
	}
	log := a.Logger().With(logx.String("comp", "run"))
	defer func() {
		notify(log, daemon.SdNotifyStopping)
		if stopErr := stopApp(a, opts.StopTimeout); err == nil {
			err = stopErr
		}
	}()
	notify(log, daemon.SdNotifyReady)

	s := &server{app: a, log: log, out: newLineWriter(cmd.OutOrStdout())}
	eof := make(chan error, 1)
	go func() { eof <- s.serve(cmd.InOrStdin()) }()

	select {
	case <-cmd.Context().Done():
		return nil
	case <-a.Done():
		return a.Err()
	case err := <-eof:
		if err != nil {
			log.Warn("stdin read failed", logx.Err(err))
		}
		if !opts.Once {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-a.Done():
				return a.Err()
			}
		}
		s.wait(cmd.Context())
		return nil
	}
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

type server struct {
	app     *app.App
	log     logx.Logger
	out     *lineWriter
	pending sync.WaitGroup
}

func (s *server) serve(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		l, err := decodeLine(b)
		if err != nil {
			s.reject(err)
			continue
		}
		s.handle(l)
	}
	return sc.Err()
}

func (s *server) reject(err error) {
	s.log.Warn("request rejected", logx.Err(err))
	_ = s.out.Write(map[string]string{"error": err.Error()})
}

func (s *server) handle(l requestLine) {
	switch {
	case l.Abort != "":
		p, ok := s.app.Publisher().Lookup(l.Abort)
		if !ok {
			s.reject(fmt.Errorf("abort: unknown id %s", l.Abort))
			return
		}
		s.app.Publisher().Abort(p)
	case len(l.Batch) > 0:
		reqs := make([]publish.Request, 0, len(l.Batch))
		for _, item := range l.Batch {
			req, err := item.request()
			if err != nil {
				s.reject(err)
				return
			}
			reqs = append(reqs, req)
		}
		agg, err := s.app.PublishMany(reqs)
		if err != nil {
			s.reject(err)
			return
		}
		for _, u := range agg.Units() {
			s.report(u, agg.ID())
		}
	default:
		req, err := l.request()
		if err != nil {
			s.reject(err)
			return
		}
		u, err := s.app.Publish(req)
		if err != nil {
			s.reject(err)
			return
		}
		s.report(u, "")
	}
}

// report prints the outcome of u once it finished.
func (s *server) report(u *publish.Unit, group string) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		st, err := u.Wait(context.Background())
		o := newOutcome(u, st, err)
		o.Group = group
		if err := s.out.Write(o); err != nil {
			s.log.Warn("write outcome failed", logx.Err(err))
		}
	}()
}

func (s *server) wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
