// Package nanny implements the scheduler's "tell every nanny to relaunch its
// worker" hook used by restart (spec.md §4.7), dialed with backoff the way
// this lineage's control-plane service dials its consensus service.
package nanny

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client dials a single nanny process by gRPC address.
type Client struct {
	conn *grpc.ClientConn
	addr string
}

// Dial connects to a nanny with exponential backoff, generalizing the
// teacher's fixed-step dialWithRetry loop into the cenkalti/backoff library
// (see SPEC_FULL.md §4.7.1).
func Dial(ctx context.Context, addr string, maxElapsed time.Duration) (*Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var conn *grpc.ClientConn
	attempt := 0
	op := func() error {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		c, err := grpc.DialContext(dialCtx, addr, grpc.WithInsecure(), grpc.WithBlock())
		if err != nil {
			slog.Warn("nanny dial attempt failed", "addr", addr, "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("nanny: dial %s: %w", addr, err)
	}
	if attempt > 1 {
		slog.Info("nanny connected after retries", "addr", addr, "attempts", attempt)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// Relaunch asks the nanny to kill and restart its managed worker process.
// The worker process itself is out of scope (SPEC_FULL.md §1 Non-goals); this
// call only needs to succeed or fail for restart's timeout accounting.
func (c *Client) Relaunch(ctx context.Context, workerAddress string) error {
	req, err := structpb.NewStruct(map[string]any{"worker_address": workerAddress})
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	return c.conn.Invoke(ctx, "/swarmguard.nanny.v1.Nanny/Relaunch", req, resp)
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
