package tunecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	// DefaultFetchTimeout is the hard wall-clock limit per fetch attempt.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultFetchMaxRequestsPerSecond paces outbound requests to the
	// upstream APIs.
	DefaultFetchMaxRequestsPerSecond = 5

	// protocolErrorExcerptLimit bounds the body excerpt carried by a
	// ProtocolError.
	protocolErrorExcerptLimit = 256

	// fetchMaxBodyBytes bounds how much of an upstream response is read.
	fetchMaxBodyBytes = 4 << 20
)

// UpstreamRequest is a fully resolved outbound GET.
type UpstreamRequest struct {
	URL     string
	Params  url.Values
	Headers http.Header
}

// Fingerprint derives the cache key for this request using the given
// header allow-list.
func (r UpstreamRequest) Fingerprint(headerAllowList []string) Fingerprint {
	return FingerprintRequest(r.URL, r.Params, r.Headers, headerAllowList)
}

// upstreamErrorBody matches the error envelope the music APIs return in a
// 200 body (e.g. {"error": 6, "message": "User not found"}).
type upstreamErrorBody struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// Last.fm error envelope codes. Only code 6 is a definitive not-found;
// the transient codes must never land in the negative cache.
const (
	upstreamErrCodeNotFound    = 6
	upstreamErrCodeRetry       = 8
	upstreamErrCodeOffline     = 11
	upstreamErrCodeUnavailable = 16
	upstreamErrCodeRateLimited = 29
)

// UpstreamFetcher performs outbound HTTP with a per-attempt deadline and
// classifies failures for the cache layer. It never touches the cache
// itself. Every log line and propagated error passes through the redactor
// first.
type UpstreamFetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	redactor *Redactor
	logger   *slog.Logger
}

func NewUpstreamFetcher(
	client *http.Client,
	timeout time.Duration,
	maxRequestsPerSecond int,
	redactor *Redactor,
	logger *slog.Logger,
) *UpstreamFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if maxRequestsPerSecond <= 0 {
		maxRequestsPerSecond = DefaultFetchMaxRequestsPerSecond
	}
	if redactor == nil {
		redactor = NewRedactor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamFetcher{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(maxRequestsPerSecond), maxRequestsPerSecond),
		timeout:  timeout,
		redactor: redactor,
		logger: slog.New(
			NewRedactingHandler(logger.Handler(), redactor),
		).With(loggerNameKey, "upstream_fetcher"),
	}
}

// Fetch performs the request and returns the response body on a 2xx JSON
// response. Classification: 404 or a payload-level error envelope maps to
// ErrNotFound, transport failures to ErrUnavailable, an elapsed deadline
// to ErrTimeout, and 5xx or an unparseable 2xx body to ErrProtocol.
func (f *UpstreamFetcher) Fetch(
	ctx context.Context,
	req UpstreamRequest,
) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, f.redactor.RedactErr(err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	fullURL, err := resolveURL(req.URL, req.Params)
	if err != nil {
		return nil, f.redactor.RedactErr(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, f.redactor.RedactErr(err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	started := time.Now()
	f.logger.DebugContext(ctx, "fetching upstream", "url", fullURL)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			f.logger.WarnContext(
				ctx,
				"upstream fetch timed out",
				"url", fullURL,
				"timeout", f.timeout,
			)
			return nil, ErrTimeout
		}
		f.logger.WarnContext(
			ctx,
			"upstream unavailable",
			"url", fullURL,
			tint.Err(f.redactor.RedactErr(err)),
		)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, f.redactor.Redact(err.Error()))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, f.redactor.Redact(err.Error()))
	}

	f.logger.DebugContext(
		ctx,
		"upstream response",
		"url", fullURL,
		"status", resp.StatusCode,
		"bytes", len(body),
		"elapsed", time.Since(started),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Message: f.redactor.Redact(upstreamMessage(body))}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(body) {
			f.logger.ErrorContext(
				ctx,
				"unparseable upstream body",
				"url", fullURL,
				"status", resp.StatusCode,
			)
			return nil, &ProtocolError{
				Status:  resp.StatusCode,
				Excerpt: f.redactor.Redact(truncate(string(body), protocolErrorExcerptLimit)),
			}
		}
		var envelope upstreamErrorBody
		if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Error != 0 {
			return nil, f.classifyEnvelope(ctx, fullURL, resp.StatusCode, envelope)
		}
		return body, nil
	default:
		f.logger.ErrorContext(
			ctx,
			"unexpected upstream status",
			"url", fullURL,
			"status", resp.StatusCode,
		)
		return nil, &ProtocolError{
			Status:  resp.StatusCode,
			Excerpt: f.redactor.Redact(truncate(string(body), protocolErrorExcerptLimit)),
		}
	}
}

// classifyEnvelope maps a payload-level error envelope onto the fetch
// error kinds. Only a genuine not-found is cacheable; rate limiting and
// service outages are transient, and anything else is a protocol error.
func (f *UpstreamFetcher) classifyEnvelope(
	ctx context.Context,
	fullURL string,
	status int,
	envelope upstreamErrorBody,
) error {
	message := f.redactor.Redact(envelope.Message)
	switch envelope.Error {
	case upstreamErrCodeNotFound:
		return &NotFoundError{Message: message}
	case upstreamErrCodeRetry,
		upstreamErrCodeOffline,
		upstreamErrCodeUnavailable,
		upstreamErrCodeRateLimited:
		f.logger.WarnContext(
			ctx,
			"transient upstream error",
			"url", fullURL,
			"code", envelope.Error,
			"message", message,
		)
		return fmt.Errorf("%w: %s", ErrUnavailable, message)
	default:
		f.logger.ErrorContext(
			ctx,
			"unexpected upstream error code",
			"url", fullURL,
			"code", envelope.Error,
			"message", message,
		)
		return &ProtocolError{
			Status:  status,
			Excerpt: truncate(message, protocolErrorExcerptLimit),
		}
	}
}

// resolveURL merges explicit params into the URL's query string.
func resolveURL(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// upstreamMessage pulls the message out of an error envelope body, if
// present.
func upstreamMessage(body []byte) string {
	var envelope upstreamErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Message
}
