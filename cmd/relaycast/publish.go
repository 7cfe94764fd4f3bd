package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"relaycast/internal/app"
	"relaycast/internal/event"
	"relaycast/internal/publish"
)

type publishOptions struct {
	*rootOptions
	Relays    []string
	Kind      int
	Content   string
	Tags      []string
	EventFile string
	Delay     time.Duration
	Timeout   time.Duration
	Wait      time.Duration
}

var errNoSuccess = errors.New("no relay accepted the event")

func newPublishCommand(root *rootOptions) *cobra.Command {
	opts := &publishOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event and print the outcome per relay",
		Long: `Publish one event and print the outcome per relay as JSON.

The event is read from --event (a JSON file, "-" for stdin) or built from
--kind, --content and --tag. Missing created_at, pubkey and id are filled in
and the event is signed with the configured identity.

Example:
  relaycast publish -c config.yaml --content "hello" --relay wss://relay.example
  relaycast publish --event note.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.event()
			if err != nil {
				return err
			}
			return runPublish(cmd, opts, e)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.Relays, "relay", "r", nil, "relay url (repeatable; defaults to relay.default)")
	cmd.Flags().IntVarP(&opts.Kind, "kind", "k", 1, "event kind")
	cmd.Flags().StringVar(&opts.Content, "content", "", "event content")
	cmd.Flags().StringArrayVarP(&opts.Tags, "tag", "t", nil, `tag as a JSON array, e.g. '["t","go"]'`)
	cmd.Flags().StringVar(&opts.EventFile, "event", "", `read the event from a JSON file ("-" for stdin)`)
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "wait before sending")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-relay acknowledgement timeout (0 uses relay.timeout)")
	cmd.Flags().DurationVar(&opts.Wait, "wait", time.Minute, "give up waiting for outcomes after this long")
	return cmd
}

func (o *publishOptions) event() (event.Event, error) {
	if o.EventFile != "" {
		var (
			b   []byte
			err error
		)
		if o.EventFile == "-" {
			b, err = io.ReadAll(os.Stdin)
		} else {
			b, err = os.ReadFile(o.EventFile)
		}
		if err != nil {
			return event.Event{}, err
		}
		var e event.Event
		if err := json.Unmarshal(b, &e); err != nil {
			return event.Event{}, fmt.Errorf("event: %w", err)
		}
		return e, nil
	}
	tags, err := parseTags(o.Tags)
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{Kind: o.Kind, Content: o.Content, Tags: tags}, nil
}

func parseTags(raw []string) ([][]string, error) {
	tags := make([][]string, 0, len(raw))
	for _, r := range raw {
		var tag []string
		if err := json.Unmarshal([]byte(r), &tag); err != nil {
			return nil, fmt.Errorf("tag %q: %w", r, err)
		}
		if len(tag) == 0 {
			return nil, fmt.Errorf("tag %q: empty", r)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func runPublish(cmd *cobra.Command, opts *publishOptions, e event.Event) (err error) {
	a, err := app.New(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := stopApp(a, opts.StopTimeout); err == nil {
			err = stopErr
		}
	}()
	if err := a.Start(cmd.Context()); err != nil {
		return err
	}

	u, err := a.Publish(publish.Request{
		Event:   e,
		Relays:  opts.Relays,
		Delay:   opts.Delay,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return err
	}
	if len(u.Relays()) == 0 {
		a.Publisher().Abort(u)
		return errors.New("no relays given and relay.default is empty")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Wait+opts.Delay)
	defer cancel()
	st, waitErr := u.Wait(ctx)
	if waitErr != nil {
		a.Publisher().Abort(u)
		st = u.Status()
	}
	o := newOutcome(u, st, waitErr)
	if err := newLineWriter(cmd.OutOrStdout()).Write(o); err != nil {
		return err
	}
	if o.Success == 0 {
		return errNoSuccess
	}
	return nil
}
