// Package remote is the client for the remote granule service: the
// minimal fetch(productId, bbox, date, hour, filters, apiKey) interface
// spec.md §6 describes, consumed without retries — a Transient outcome
// here is handled by Recovery resetting the owning site on the next run,
// not by this client looping internally.
package remote

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/baeeng/batch-acquisition-engine/internal/decode"
	"github.com/baeeng/batch-acquisition-engine/internal/planner"
)

// Outcome classifies a single fetch attempt.
type Outcome int

const (
	HasData Outcome = iota
	NoData
	Transient
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case HasData:
		return "has_data"
	case NoData:
		return "no_data"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the outcome of one fetch call.
type Result struct {
	Outcome Outcome
	Sample  decode.Sample // valid only when Outcome == HasData
	Err     error         // set for Transient and Fatal
}

// Fetcher acquires a single granule. Implementations must honour ctx
// cancellation at every suspension point and must never retry
// internally — the engine's retry policy is "reset and re-run the job".
type Fetcher interface {
	Fetch(ctx context.Context, req planner.Request, productID, apiKey string) Result
}

// DefaultTimeout is the hard wall-clock bound on one fetch call.
const DefaultTimeout = 180 * time.Second

// HTTPFetcher calls a remote HTTP endpoint and decodes its response body
// with the engine's granule container format.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher builds a client configured the way the teacher's engine
// configures its download transport: bounded idle connections, explicit
// dial/TLS timeouts, no client-level timeout (the per-call context owns
// that instead).
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPFetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Transport: transport, Timeout: 0},
		Timeout: DefaultTimeout,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req planner.Request, productID, apiKey string) Result {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := f.buildRequest(ctx, req, productID, apiKey)
	if err != nil {
		return Result{Outcome: Fatal, Err: err}
	}

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Transient, Err: ctx.Err()}
		}
		return Result{Outcome: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{Outcome: Fatal, Err: errStatus(resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return Result{Outcome: Transient, Err: errStatus(resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Result{Outcome: Fatal, Err: errStatus(resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Outcome: Transient, Err: err}
	}

	sample, err := decode.Decode(body)
	if err != nil {
		// An undecodable or empty payload is a normal "no pass over this
		// region at this hour" outcome, not an error.
		return Result{Outcome: NoData}
	}
	if !sample.HasAnyValue() {
		return Result{Outcome: NoData}
	}
	sample.Date = req.Date
	sample.Hour = req.Hour
	return Result{Outcome: HasData, Sample: sample}
}
