package msh

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/phax/phase4-sub000/pkg/transport"
)

// AsyncDispatcher runs background response tasks and delivers their
// results over HTTP.
type AsyncDispatcher struct {
	client *transport.HTTPSClient
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewAsyncDispatcher creates a dispatcher sending through client. A nil
// client gets the default transport settings.
func NewAsyncDispatcher(client *transport.HTTPSClient, logger *slog.Logger) *AsyncDispatcher {
	if client == nil {
		client = transport.NewHTTPSClient(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncDispatcher{client: client, logger: logger}
}

// Go runs fn in a tracked goroutine. Panics are logged.
func (a *AsyncDispatcher) Go(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("async task panicked", slog.Any("panic", r))
			}
		}()
		fn()
	}()
}

// Wait blocks until all tasks started with Go have finished.
func (a *AsyncDispatcher) Wait() {
	a.wg.Wait()
}

// Send posts the payload to target.
func (a *AsyncDispatcher) Send(ctx context.Context, target string, p *ResponsePayload) (*transport.Response, error) {
	if err := validateAsyncURL(target); err != nil {
		return nil, err
	}
	return a.client.Send(ctx, target, &transport.Payload{
		Body:        p.Body,
		ContentType: p.ContentType,
		Header:      p.Headers,
	})
}

func validateAsyncURL(target string) error {
	if target == "" {
		return ErrNoAsyncURL
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoAsyncURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrNoAsyncURL, target)
	}
	return nil
}
