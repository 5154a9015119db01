package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/connsentry/connsentry/internal/logging"
)

// Classification labels why a probe failed. It is display information
// only; callers branch on Result.OK, never on the classification.
type Classification string

const (
	ClassTimeout     Classification = "timeout"
	ClassUnreachable Classification = "unreachable"
	ClassBadStatus   Classification = "bad-status"
)

// ErrAborted is returned when an in-flight probe is canceled before
// completing. An aborted probe produced no verdict about the target.
var ErrAborted = errors.New("probe aborted")

// Result is the outcome of a single liveness check
type Result struct {
	OK      bool
	Latency time.Duration
	Class   Classification
	Err     error
}

// Prober performs bounded liveness checks against a single endpoint.
// Concurrent Probe calls coalesce into one network request; every caller
// receives the shared result.
type Prober struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *logging.Logger

	group singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc // cancel for the in-flight check, nil when idle
}

// New creates a prober for the given health endpoint URL
func New(url string, timeout time.Duration, logger *logging.Logger) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

// Probe runs one liveness check bounded by the prober's timeout.
// If a check is already in flight, the caller blocks and receives the
// in-flight check's result instead of issuing a duplicate request.
// Returns ErrAborted if the check was canceled via Abort or ctx.
func (p *Prober) Probe(ctx context.Context) (Result, error) {
	v, err, shared := p.group.Do("live", func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()

		defer func() {
			p.mu.Lock()
			p.cancel = nil
			p.mu.Unlock()
			cancel()
		}()

		return p.check(cctx)
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		p.logger.Debug("probe_coalesced", "url", p.url)
	}
	return v.(Result), nil
}

// Abort cancels the in-flight check, if any. Callers blocked in Probe
// receive ErrAborted. No-op when no check is outstanding.
func (p *Prober) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// check issues the HTTP request and classifies the outcome
func (p *Prober) check(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building probe request: %w", err)
	}

	startTime := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(startTime)

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			p.logger.Debug("probe_aborted", "url", p.url)
			return Result{}, ErrAborted
		}
		class := ClassUnreachable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			class = ClassTimeout
		}
		p.logger.Warn("probe_failed",
			"url", p.url,
			"classification", string(class),
			"error", err.Error())
		return Result{OK: false, Latency: latency, Class: class, Err: err}, nil
	}
	defer resp.Body.Close()

	// Body content is not interpreted, only drained so the connection
	// can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{OK: true, Latency: latency}, nil
	}

	statusErr := fmt.Errorf("status code: %d", resp.StatusCode)
	p.logger.Warn("probe_failed",
		"url", p.url,
		"classification", string(ClassBadStatus),
		"error", statusErr.Error())
	return Result{OK: false, Latency: latency, Class: ClassBadStatus, Err: statusErr}, nil
}
