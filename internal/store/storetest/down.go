// Package storetest provides Store doubles for failure-path tests.
package storetest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"aicall-gateway/internal/store"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// Down is a Store whose every operation fails as if the server were
// unreachable. Calls counts the attempts.
type Down struct {
	Calls atomic.Int64
}

func (d *Down) fail(op string) error {
	d.Calls.Add(1)
	return &store.OpError{Op: op, Err: errConnRefused}
}

func (d *Down) Get(context.Context, string) (string, bool, error) {
	return "", false, d.fail("get")
}

func (d *Down) Set(context.Context, string, string, time.Duration) error {
	return d.fail("set")
}

func (d *Down) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, d.fail("incr")
}

func (d *Down) IncrHash(context.Context, string, map[string]int64, time.Duration) error {
	return d.fail("hincrby")
}

func (d *Down) HashGetAll(context.Context, string) (map[string]string, error) {
	return nil, d.fail("hgetall")
}

func (d *Down) Keys(context.Context, string) ([]string, error) {
	return nil, d.fail("scan")
}

func (d *Down) Delete(context.Context, ...string) error {
	return d.fail("del")
}

func (d *Down) Ping(context.Context) error {
	return d.fail("ping")
}

func (d *Down) Close() error { return nil }

var _ store.Store = (*Down)(nil)
