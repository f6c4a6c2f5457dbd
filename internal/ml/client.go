package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/crophealth"
)

const maxResponseBytes = 1 << 20

// ErrUnavailable signals that the model service could not produce a usable
// verdict. Callers fall back to the rule-based analyzer instead of surfacing
// this to the end user.
var ErrUnavailable = errors.New("ml: model service unavailable")

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HealthStatus mirrors the model service's health probe payload.
type HealthStatus struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Client calls the optional image-analysis model service. The service is an
// enhancement, never a dependency: every failure mode maps to ErrUnavailable.
type Client struct {
	cfg    config.MLConfig
	http   httpDoer
	logger *slog.Logger
}

// NewClient wires a model-service client. A nil doer falls back to a default
// HTTP client.
func NewClient(cfg config.MLConfig, doer httpDoer, logger *slog.Logger) *Client {
	if doer == nil {
		doer = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: doer, logger: logger}
}

// Enabled reports whether a model service endpoint is configured at all.
func (c *Client) Enabled() bool {
	return strings.TrimSpace(c.cfg.BaseURL) != ""
}

type analyzeResponse struct {
	Success         bool               `json:"success"`
	HealthStatus    string             `json:"healthStatus"`
	Confidence      float64            `json:"confidence"`
	Issues          []crophealth.Issue `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	Analysis        map[string]any     `json:"analysis"`
}

// Analyze uploads the image to the model service and maps its verdict onto an
// Assessment tagged ml_model. A well-formed response requires a 2xx status,
// success=true, and a non-empty healthStatus; anything less wraps
// ErrUnavailable.
func (c *Client) Analyze(ctx context.Context, imageData []byte, filename, cropType string) (crophealth.Assessment, error) {
	if !c.Enabled() {
		return crophealth.Assessment{}, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}
	if filename == "" {
		filename = "upload.jpg"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return crophealth.Assessment{}, fmt.Errorf("ml: build upload: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return crophealth.Assessment{}, fmt.Errorf("ml: build upload: %w", err)
	}
	if err := writer.WriteField("cropType", cropType); err != nil {
		return crophealth.Assessment{}, fmt.Errorf("ml: build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return crophealth.Assessment{}, fmt.Errorf("ml: build upload: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.GetRequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/analyze", body)
	if err != nil {
		return crophealth.Assessment{}, fmt.Errorf("ml: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return crophealth.Assessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return crophealth.Assessment{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return crophealth.Assessment{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return crophealth.Assessment{}, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	if !decoded.Success || strings.TrimSpace(decoded.HealthStatus) == "" {
		return crophealth.Assessment{}, fmt.Errorf("%w: response carried no verdict", ErrUnavailable)
	}

	assessment := crophealth.Assessment{
		HealthStatus:    decoded.HealthStatus,
		Confidence:      int(math.Round(decoded.Confidence)),
		Issues:          decoded.Issues,
		Recommendations: decoded.Recommendations,
		Analysis:        flattenNumeric(decoded.Analysis),
		Method:          crophealth.MethodMLModel,
	}
	if assessment.Issues == nil {
		assessment.Issues = []crophealth.Issue{}
	}
	if assessment.Recommendations == nil {
		assessment.Recommendations = []string{}
	}
	return assessment, nil
}

// Health probes the model service liveness endpoint.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	if !c.Enabled() {
		return status, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, healthTimeout(c.cfg.GetRequestTimeout()))
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return status, fmt.Errorf("ml: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return status, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return status, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return status, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(payload, &status); err != nil {
		return status, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return status, nil
}

// healthTimeout keeps liveness probes snappy even when analysis calls are
// allowed a generous deadline.
func healthTimeout(analyze time.Duration) time.Duration {
	const probe = 3 * time.Second
	if analyze < probe {
		return analyze
	}
	return probe
}

// flattenNumeric collapses the service's nested analysis object into the
// dotted numeric map the assessment carries, dropping non-numeric leaves.
func flattenNumeric(analysis map[string]any) map[string]float64 {
	out := map[string]float64{}
	var walk func(prefix string, value any)
	walk = func(prefix string, value any) {
		switch v := value.(type) {
		case map[string]any:
			for key, nested := range v {
				name := key
				if prefix != "" {
					name = prefix + "." + key
				}
				walk(name, nested)
			}
		case float64:
			if prefix != "" {
				out[prefix] = v
			}
		}
	}
	walk("", analysis)
	return out
}
