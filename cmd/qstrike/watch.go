package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/qryptonic/qstrike-stream/internal/stream"
)

const (
	exitFailure = 1
	exitAuth    = 2
)

func exitCode(err error) int {
	if stream.IsAuthError(err) {
		return exitAuth
	}
	return exitFailure
}

type watchOpts struct {
	baseURL string
	token   string
	quiet   bool
}

func newWatchCmd(a *app) *cobra.Command {
	opts := &watchOpts{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job events to the terminal",
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "url", "", "gateway base URL (default from config)")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (default from config or $QSTRIKE_TOKEN)")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "hide connection state changes")

	cmd.AddCommand(&cobra.Command{
		Use:   "live <jobId>...",
		Short: "Follow live job streams",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, a, opts, opts.endpoints(a, stream.LiveEndpoint, args))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delay <streamId>...",
		Short: "Follow recorded streams on the delayed route",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, a, opts, opts.endpoints(a, stream.DelayedEndpoint, args))
		},
	})
	return cmd
}

func (o *watchOpts) endpoints(a *app, build func(baseURL, id, token string) stream.Endpoint, ids []string) []stream.Endpoint {
	baseURL, token := a.cfg.Client.BaseURL, a.cfg.Client.Token
	if o.baseURL != "" {
		baseURL = o.baseURL
	}
	if o.token != "" {
		token = o.token
	}
	eps := make([]stream.Endpoint, 0, len(ids))
	for _, id := range ids {
		eps = append(eps, build(baseURL, id, token))
	}
	return eps
}

// lockedWriter serializes lines from concurrent clients.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) println(s string) {
	l.mu.Lock()
	fmt.Fprintln(l.w, s)
	l.mu.Unlock()
}

func runWatch(cmd *cobra.Command, a *app, opts *watchOpts, endpoints []stream.Endpoint) error {
	for _, ep := range endpoints {
		if _, _, err := ep.Request(); err != nil {
			return err
		}
	}
	clients := make([]*stream.Client, len(endpoints))
	for i, ep := range endpoints {
		clients[i] = stream.New(a.cfg.Client.Stream(ep), stream.WithLogger(a.logger))
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	errOut := &lockedWriter{w: cmd.ErrOrStderr()}
	for i, c := range clients {
		prefix := ""
		if len(clients) > 1 {
			prefix = endpoints[i].ID + ": "
		}
		c.Subscribe(func(d stream.Delivery) {
			out.println(renderDelivery(d))
		})
		if !opts.quiet {
			c.OnStateChange(func(ch stream.StateChange) {
				errOut.println(prefix + renderState(ch))
			})
		}
	}
	return runClients(cmd.Context(), clients)
}

// runClients runs every client until it returns and joins their failures.
func runClients(ctx context.Context, clients []*stream.Client) error {
	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			errs[i] = err
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
