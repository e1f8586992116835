// Package iceservers supplies the STUN and TURN servers handed to every new
// peer transport.
//
// Servers are fetched from an HTTP endpoint returning JSON, either a bare
// list of servers or an object with an "iceServers" list, each entry shaped
// like webrtc.ICEServer ("urls", "username", "credential"). A fetched list
// is cached for the configured TTL. When no endpoint is configured, or the
// endpoint cannot be reached and nothing was cached before, the defaults are
// used.
package iceservers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/clock"
)

var ErrEmptyServerList = errors.New("ice server endpoint returned no servers")

const (
	DEFAULT_TTL         = time.Hour
	DEFAULT_RETRIES     = 2
	DEFAULT_RETRY_DELAY = 250 * time.Millisecond

	// Responses larger than this are rejected
	maxResponseBytes = 1 << 20
)

type Options struct {
	// Endpoint serving the server list. Empty means always use Defaults.
	URL string

	// How long a fetched list stays fresh. Defaults to DEFAULT_TTL.
	TTL time.Duration

	// Used when nothing could be fetched
	Defaults []webrtc.ICEServer

	// Extra attempts after a failed fetch, and the pause between them.
	// Zero means DEFAULT_RETRIES; a negative value disables retries.
	Retries    int
	RetryDelay time.Duration

	// Defaults to a client with a 5 second timeout
	Client *http.Client

	// Defaults to clock.Real()
	Clock clock.Clock

	Logger *slog.Logger
}

type Provider struct {
	options Options
	logger  *slog.Logger

	fetches singleflight.Group

	mu        sync.Mutex
	cached    []webrtc.ICEServer
	fetchedAt time.Time
}

// New creates a Provider. Nothing is fetched until the first call to
// ICEServers.
//
// If no logger is given, slog.Default() is used.
func New(options Options) *Provider {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.TTL <= 0 {
		options.TTL = DEFAULT_TTL
	}
	if options.Retries == 0 {
		options.Retries = DEFAULT_RETRIES
	} else if options.Retries < 0 {
		options.Retries = 0
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = DEFAULT_RETRY_DELAY
	}
	if options.Client == nil {
		options.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}

	return &Provider{
		options: options,
		logger:  options.Logger.With("iceServersUrl", options.URL),
	}
}

// ICEServers returns the servers to use for a new transport. It never
// fails: fetch errors are logged and answered with the last cached list,
// or the defaults.
func (p *Provider) ICEServers(ctx context.Context) []webrtc.ICEServer {
	if p.options.URL == "" {
		return slices.Clone(p.options.Defaults)
	}

	p.mu.Lock()
	if p.cached != nil && p.options.Clock.Now().Before(p.fetchedAt.Add(p.options.TTL)) {
		servers := slices.Clone(p.cached)
		p.mu.Unlock()
		return servers
	}
	p.mu.Unlock()

	// Shared with every caller arriving while it runs, so it outlives the
	// caller that started it. The client timeout and retry limit bound it.
	fetchCtx := context.WithoutCancel(ctx)
	result := p.fetches.DoChan("fetch", func() (any, error) {
		return p.fetchWithRetry(fetchCtx)
	})

	var (
		servers []webrtc.ICEServer
		err     error
	)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case r := <-result:
		err = r.Err
		if err == nil {
			servers = r.Val.([]webrtc.ICEServer)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.cached = servers
		p.fetchedAt = p.options.Clock.Now()
		return slices.Clone(servers)
	}

	if p.cached != nil {
		p.logger.Warn("failed to refresh ice servers, using stale list", "err", err)
		return slices.Clone(p.cached)
	}
	p.logger.Warn("failed to fetch ice servers, using defaults", "err", err)
	return slices.Clone(p.options.Defaults)
}

// Invalidate drops the cached list so the next call fetches again.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.fetchedAt = time.Time{}
}

func (p *Provider) fetchWithRetry(ctx context.Context) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.options.RetryDelay), uint64(p.options.Retries)),
		ctx,
	)

	err := backoff.RetryNotify(
		func() error {
			var err error
			servers, err = p.fetch(ctx)
			return err
		},
		policy,
		func(err error, delay time.Duration) {
			p.logger.Debug("ice server fetch failed, retrying", "err", err, "delay", delay)
		},
	)
	return servers, err
}

type serverList struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (p *Provider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.options.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building ice server request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := p.options.Client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching ice servers: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching ice servers: unexpected status %s", response.Status)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading ice servers: %w", err)
	}

	servers, err := decodeServers(body)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("fetched ice servers", "count", len(servers))
	return servers, nil
}

// decodeServers accepts a bare list or an {"iceServers": [...]} object.
func decodeServers(body []byte) ([]webrtc.ICEServer, error) {
	body = bytes.TrimSpace(body)

	var servers []webrtc.ICEServer
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &servers); err != nil {
			return nil, fmt.Errorf("decoding ice servers: %w", err)
		}
	} else {
		var list serverList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decoding ice servers: %w", err)
		}
		servers = list.ICEServers
	}

	servers = slices.DeleteFunc(servers, func(server webrtc.ICEServer) bool {
		return len(server.URLs) == 0
	})
	if len(servers) == 0 {
		return nil, ErrEmptyServerList
	}
	return servers, nil
}
