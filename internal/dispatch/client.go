// Package dispatch sends "start analysis" requests to the external analysis
// service and classifies failures into retryable and terminal kinds.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/reelscope/reelscope/internal/logging"
	"github.com/reelscope/reelscope/internal/metrics"
)

const (
	AnalyzePath   = "/api/analyze"
	HealthPath    = "/health"
	healthTimeout = 5 * time.Second
)

// Request is the JSON body of a dispatch call.
type Request struct {
	VideoID     string `json:"videoId"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	Title       string `json:"title"`
	UserID      string `json:"userId"`
	OutputDir   string `json:"outputDir"`
	CallbackURL string `json:"callbackUrl"`
}

// Ack is the analysis service's acceptance reply. Acceptance is not
// completion; the result arrives later through the callback.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
}

type Client interface {
	Dispatch(ctx context.Context, req Request) (*Ack, error)
	Health(ctx context.Context) error
}

type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient returns a client bound to the analysis service base URL. The
// timeout bounds each dispatch call end to end.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTTPClient{
		baseURL: baseURL,
		timeout: timeout,
		httpClient: &http.Client{
			Transport: http.DefaultTransport,
		},
		logger: logger,
	}
}

func (c *HTTPClient) Dispatch(ctx context.Context, payload Request) (*Ack, error) {
	ctx, span := otel.Tracer("reelscope/dispatch").Start(ctx, "dispatch.analyze")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", payload.VideoID))

	start := time.Now()
	ack, err := c.dispatch(ctx, payload)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	outcome := "accepted"
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			outcome = string(de.Kind)
		} else {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	metrics.DispatchTotal.WithLabelValues(outcome).Inc()
	return ack, err
}

func (c *HTTPClient) dispatch(ctx context.Context, payload Request) (*Ack, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	url := c.baseURL + AnalyzePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	c.logger.Info("dispatching analysis",
		"url", url,
		"video_id", payload.VideoID,
		"filename", payload.Filename,
		"body_bytes", len(body),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ack := &Ack{}
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, ack); err != nil {
				c.logger.Debug("dispatch ack is not JSON", "video_id", payload.VideoID, "error", err)
			}
		}
		ack.Success = true
		c.logger.Info("analysis dispatch accepted",
			"video_id", payload.VideoID,
			"status", resp.StatusCode,
			"task_id", ack.TaskID,
		)
		return ack, nil
	}

	kind := KindRejected
	if resp.StatusCode >= 500 {
		kind = KindServerError
	}
	return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Body: string(respBody)}
}

// Health probes the analysis service with a short timeout.
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	kind := KindRejected
	if resp.StatusCode >= 500 {
		kind = KindServerError
	}
	return &Error{Kind: kind, StatusCode: resp.StatusCode}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnreachable, Err: err}
}
