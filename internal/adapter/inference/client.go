// Package inference implements domain.InferenceClient against the external
// ML service over HTTP, with an optional Kafka progress stream.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	adapterobs "github.com/segforge/segcore/internal/adapter/observability"
	"github.com/segforge/segcore/internal/config"
	"github.com/segforge/segcore/internal/domain"
)

// Client implements domain.InferenceClient against ML_SERVICE_URL.
type Client struct {
	cfg config.Config
	hc  *http.Client
	cb  *adapterobs.CircuitBreaker

	// progressSource, when non-nil, is consulted for progress events keyed
	// by request id instead of the synchronous poll fallback.
	progressSource ProgressSource
}

// ProgressSource streams InferenceProgress events for a given request id,
// implemented by the Kafka consumer when KAFKA_BROKERS is configured.
type ProgressSource interface {
	Subscribe(ctx context.Context, requestID string) (<-chan domain.InferenceProgress, func())
}

// New constructs a Client. progressSource may be nil, in which case the
// client falls back to synchronous polling of the ML service's status
// endpoint for progress updates.
func New(cfg config.Config, progressSource ProgressSource) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("inference %s %s", r.Method, r.URL.Path)
		}),
	)
	timeout := cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		cfg:            cfg,
		hc:             &http.Client{Timeout: timeout, Transport: transport},
		cb:             adapterobs.NewCircuitBreaker("inference", 5, 30*time.Second),
		progressSource: progressSource,
	}
}

type segmentRequest struct {
	RequestID   string  `json:"requestId"`
	ImagePath   string  `json:"imagePath"`
	Model       string  `json:"model"`
	Threshold   float64 `json:"threshold"`
	DetectHoles bool    `json:"detectHoles"`
}

type pointJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type polygonJSON struct {
	Points   []pointJSON `json:"points"`
	Internal bool        `json:"internal"`
}

type segmentResponse struct {
	Polygons   []polygonJSON `json:"polygons"`
	DurationMS int64         `json:"durationMs"`
}

type statusResponse struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Done     bool   `json:"done"`
}

// Run submits one segmentation request and blocks until the ML service
// returns a result, reporting progress via onProgress as it becomes
// available (spec.md §4's InferenceClient leaf).
func (c *Client) Run(ctx domain.Context, imagePath, model string, threshold float64, detectHoles bool, onProgress func(domain.InferenceProgress)) (domain.InferenceResult, error) {
	requestID := newRequestID()

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go c.streamProgress(progressCtx, requestID, onProgress)

	reqBody, err := json.Marshal(segmentRequest{
		RequestID:   requestID,
		ImagePath:   imagePath,
		Model:       model,
		Threshold:   threshold,
		DetectHoles: detectHoles,
	})
	if err != nil {
		return domain.InferenceResult{}, fmt.Errorf("op=inference.run.marshal: %w", err)
	}

	maxRetries, initialDelay, maxDelay, multiplier := c.cfg.GetRetryConfig()
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialDelay
	expo.MaxInterval = maxDelay
	expo.Multiplier = multiplier
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxRetries)), ctx)

	var result domain.InferenceResult
	op := func() error {
		return c.cb.Call(func() error {
			res, err := c.doSegment(ctx, reqBody)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	}

	start := time.Now()
	if err := backoff.Retry(op, bo); err != nil {
		adapterobs.RecordInference(model, "error", time.Since(start))
		return domain.InferenceResult{}, fmt.Errorf("op=inference.run: %w: %v", domain.ErrTransient, err)
	}
	adapterobs.RecordInference(model, "ok", time.Since(start))
	return result, nil
}

func (c *Client) doSegment(ctx context.Context, body []byte) (domain.InferenceResult, error) {
	url := c.cfg.MLServiceURL + "/segment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.InferenceResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.InferenceResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.InferenceResult{}, fmt.Errorf("ml service status %d: %s", resp.StatusCode, string(b))
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.InferenceResult{}, backoff.Permanent(fmt.Errorf("%w: ml service status %d: %s", domain.ErrInvalidArgument, resp.StatusCode, string(b)))
	}

	var out segmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.InferenceResult{}, fmt.Errorf("op=inference.decode: %w", err)
	}

	polys := make([]domain.Polygon, len(out.Polygons))
	for i, p := range out.Polygons {
		pts := make([]domain.Point, len(p.Points))
		for j, pt := range p.Points {
			pts[j] = domain.Point{X: pt.X, Y: pt.Y}
		}
		polys[i] = domain.Polygon{Points: pts, Internal: p.Internal}
	}
	return domain.InferenceResult{
		Polygons: polys,
		Duration: time.Duration(out.DurationMS) * time.Millisecond,
	}, nil
}

// streamProgress forwards progress events from the Kafka-backed
// ProgressSource when configured, else falls back to polling the ML
// service's status endpoint every second.
func (c *Client) streamProgress(ctx context.Context, requestID string, onProgress func(domain.InferenceProgress)) {
	if onProgress == nil {
		return
	}
	if c.progressSource != nil {
		ch, unsubscribe := c.progressSource.Subscribe(ctx, requestID)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				onProgress(ev)
			}
		}
	}
	c.pollProgress(ctx, requestID, onProgress)
}

func (c *Client) pollProgress(ctx context.Context, requestID string, onProgress func(domain.InferenceProgress)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	url := c.cfg.MLServiceURL + "/status/" + requestID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				continue
			}
			resp, err := c.hc.Do(req)
			if err != nil {
				continue
			}
			var st statusResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&st)
			_ = resp.Body.Close()
			if decodeErr != nil {
				continue
			}
			onProgress(domain.InferenceProgress{Stage: domain.ProgressStage(st.Stage), Progress: st.Progress})
			if st.Done {
				return
			}
		}
	}
}

var requestCounter uint64

func newRequestID() string {
	requestCounter++
	return fmt.Sprintf("seg-%d-%d", time.Now().UnixNano(), requestCounter)
}

func init() {
	slog.Debug("inference client initialized")
}
