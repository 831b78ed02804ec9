// Package checks provides the built-in job actions: endpoint probes, host
// resource thresholds, service liveness and arbitrary commands.
package checks

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-tick/caretaker/internal/job"
)

const defaultProbeTimeout = 10 * time.Second

// HTTPProbe checks that an endpoint answers with an expected status.
type HTTPProbe struct {
	URL string
	// ExpectStatus, when zero, accepts any status below 400.
	ExpectStatus int
	// MaxLatency fails a slow but otherwise healthy response when positive.
	MaxLatency time.Duration
	Timeout    time.Duration
	Client     *http.Client
}

// Action returns the probe as a job action. Connection errors, 429 and 5xx
// responses are transient.
func (p HTTPProbe) Action() job.Action {
	if p.Timeout <= 0 {
		p.Timeout = defaultProbeTimeout
	}
	if p.Client == nil {
		p.Client = &http.Client{}
	}

	return func(ctx context.Context) job.Result {
		ctx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
		if err != nil {
			return job.Failure(fmt.Sprintf("invalid url %q: %v", p.URL, err))
		}

		start := time.Now()
		resp, err := p.Client.Do(req)
		latency := time.Since(start)
		if err != nil {
			return job.TransientFailure(fmt.Sprintf("%s is down: %v", p.URL, err))
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()

		detail := fmt.Sprintf("%s answered %d in %s", p.URL, resp.StatusCode, latency.Round(time.Millisecond))

		switch {
		case p.ExpectStatus != 0 && resp.StatusCode != p.ExpectStatus:
			return statusFailure(resp.StatusCode, fmt.Sprintf("%s, expected %d", detail, p.ExpectStatus))
		case p.ExpectStatus == 0 && resp.StatusCode >= 400:
			return statusFailure(resp.StatusCode, detail)
		case p.MaxLatency > 0 && latency > p.MaxLatency:
			return job.Failure(fmt.Sprintf("%s, slower than %s", detail, p.MaxLatency))
		}
		return job.Success(detail)
	}
}

func statusFailure(code int, detail string) job.Result {
	if code == http.StatusTooManyRequests || code >= 500 {
		return job.TransientFailure(detail)
	}
	return job.Failure(detail)
}

// TCPProbe checks that a TCP connection to Address can be opened.
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

func (p TCPProbe) Action() job.Action {
	if p.Timeout <= 0 {
		p.Timeout = 3 * time.Second
	}

	return func(ctx context.Context) job.Result {
		d := net.Dialer{Timeout: p.Timeout}
		start := time.Now()
		conn, err := d.DialContext(ctx, "tcp", p.Address)
		if err != nil {
			return job.TransientFailure(fmt.Sprintf("%s unreachable: %v", p.Address, err))
		}
		_ = conn.Close()
		return job.Success(fmt.Sprintf("%s reachable in %s", p.Address, time.Since(start).Round(time.Millisecond)))
	}
}
