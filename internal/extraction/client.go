package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	moduleName    = "github.com/docuflow/docuflow"
	moduleVersion = "v0.1.0"

	tokenScope = "https://cognitiveservices.azure.com/.default"
)

// Client submits forms to the document-understanding service. Each Analyze
// call is a single attempt: the SDK retry policy is disabled and a failed
// poll abandons the whole operation. The service exhausts its own internal
// retry budget per submission, so recovery requires a fresh submission, not
// a re-poll. Retry ownership stays with the caller's state machine.
type Client struct {
	pipeline     runtime.Pipeline
	endpoint     string
	apiVersion   string
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
}

// NewClient creates an extraction client from the given configuration.
// Key auth is used when an API key is configured; otherwise the default
// Azure credential chain supplies bearer tokens.
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	var auth policy.Policy
	if cfg.APIKey != "" {
		auth = &apiKeyPolicy{key: cfg.APIKey}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("create credential: %w", err)
		}
		auth = runtime.NewBearerTokenPolicy(cred, []string{tokenScope}, nil)
	}

	// MaxRetries < 0 disables the transport-level retry policy; the engine's
	// retry machine is the only component allowed to re-submit.
	plOpts := runtime.PipelineOptions{PerRetry: []policy.Policy{auth}}
	clOpts := &policy.ClientOptions{Retry: policy.RetryOptions{MaxRetries: -1}}

	return &Client{
		pipeline:     runtime.NewPipeline(moduleName, moduleVersion, plOpts, clOpts),
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		apiVersion:   cfg.APIVersion,
		pollInterval: cfg.PollIntervalDuration(),
		pollTimeout:  cfg.PollTimeoutDuration(),
		logger:       logger.With("system", "extraction"),
	}, nil
}

// Analyze submits the referenced content to the given model and polls until
// the operation reaches a terminal state. Failures are returned as *Failure
// with a classified kind; the caller decides whether to re-submit.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	opLocation, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	return c.poll(ctx, opLocation)
}

func (c *Client) submit(ctx context.Context, req Request) (string, error) {
	analyzeURL := fmt.Sprintf(
		"%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		c.endpoint, url.PathEscape(req.ModelID), url.QueryEscape(c.apiVersion),
	)

	hreq, err := runtime.NewRequest(ctx, http.MethodPost, analyzeURL)
	if err != nil {
		return "", fmt.Errorf("build analyze request: %w", err)
	}
	if err := runtime.MarshalAsJSON(hreq, map[string]string{"urlSource": req.ContentURL}); err != nil {
		return "", fmt.Errorf("marshal analyze request: %w", err)
	}

	resp, err := c.pipeline.Do(hreq)
	if err != nil {
		return "", classifyTransport(err)
	}

	if !runtime.HasStatusCode(resp, http.StatusAccepted) {
		return "", classifyStatus(resp, req.ModelID)
	}

	opLocation := resp.Header.Get("Operation-Location")
	if opLocation == "" {
		return "", newFailure(FailureTransient, "analyze accepted without operation location")
	}

	return opLocation, nil
}

func (c *Client) poll(ctx context.Context, opLocation string) (*Result, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, classifyTransport(ctx.Err())
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return nil, newFailure(FailureTimeout, "operation did not complete within %v", c.pollTimeout)
		}

		result, done, err := c.pollOnce(ctx, opLocation)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, opLocation string) (*Result, bool, error) {
	hreq, err := runtime.NewRequest(ctx, http.MethodGet, opLocation)
	if err != nil {
		return nil, false, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := c.pipeline.Do(hreq)
	if err != nil {
		return nil, false, classifyTransport(err)
	}

	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, false, classifyStatus(resp, "")
	}

	payload, err := runtime.Payload(resp)
	if err != nil {
		return nil, false, newFailure(FailureTransient, "read poll response: %v", err)
	}

	var op analyzeOperation
	if err := json.Unmarshal(payload, &op); err != nil {
		return nil, false, newFailure(FailureTransient, "decode poll response: %v", err)
	}

	switch op.Status {
	case "succeeded":
		result, err := c.mapResult(payload, op.AnalyzeResult)
		if err != nil {
			return nil, false, err
		}
		return result, true, nil
	case "failed":
		return nil, false, classifyOperationError(op.Error)
	default:
		return nil, false, nil
	}
}

func (c *Client) mapResult(payload []byte, ar *analyzeResult) (*Result, error) {
	if err := validateAnalyzePayload(payload); err != nil {
		// Contract drift on the service side, not a caller input problem.
		return nil, newFailure(FailureTransient, "analyze result failed schema validation: %v", err)
	}

	fields := make(map[string]Field, len(ar.Fields))
	for name, f := range ar.Fields {
		fields[name] = Field{Value: f.Value, Confidence: f.Confidence}
	}

	return &Result{
		Fields:          fields,
		ModelID:         ar.ModelID,
		ModelConfidence: ar.Confidence,
	}, nil
}

type analyzeOperation struct {
	Status        string         `json:"status"`
	Error         *serviceError  `json:"error,omitempty"`
	AnalyzeResult *analyzeResult `json:"analyzeResult,omitempty"`
}

type serviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type analyzeResult struct {
	ModelID    string                 `json:"modelId"`
	Confidence float64                `json:"confidence"`
	Fields     map[string]fieldResult `json:"fields"`
}

type fieldResult struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// apiKeyPolicy injects the subscription key header on every request.
type apiKeyPolicy struct {
	key string
}

func (p *apiKeyPolicy) Do(req *policy.Request) (*http.Response, error) {
	req.Raw().Header.Set("Ocp-Apim-Subscription-Key", p.key)
	return req.Next()
}

func classifyTransport(err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return newFailure(FailureTimeout, "request deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newFailure(FailureTimeout, "network timeout: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return newFailure(FailureTransient, "request cancelled")
	}
	return newFailure(FailureTransient, "transport failure: %v", err)
}

func classifyStatus(resp *http.Response, modelID string) *Failure {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		f := newFailure(FailureRateLimited, "service rate limit exceeded")
		if delay, ok := parseRetryAfter(resp); ok {
			f.RetryAfter = &delay
		}
		return f
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return newFailure(FailureTimeout, "service timeout (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound && modelID != "":
		return newFailure(FailureModelNotFound, "model %q not found", modelID)
	case resp.StatusCode >= 500:
		return newFailure(FailureTransient, "service fault (%d)", resp.StatusCode)
	default:
		return newFailure(FailureInvalidInput, "request rejected (%d)", resp.StatusCode)
	}
}

func classifyOperationError(serr *serviceError) *Failure {
	if serr == nil {
		return newFailure(FailureTransient, "operation failed without error detail")
	}

	switch serr.Code {
	case "ModelNotFound":
		return newFailure(FailureModelNotFound, "%s", serr.Message)
	case "InvalidRequest", "InvalidArgument", "InvalidContent", "ContentSourceNotAccessible":
		return newFailure(FailureInvalidInput, "%s: %s", serr.Code, serr.Message)
	case "Timeout":
		return newFailure(FailureTimeout, "%s", serr.Message)
	default:
		return newFailure(FailureTransient, "%s: %s", serr.Code, serr.Message)
	}
}

func parseRetryAfter(resp *http.Response) (time.Duration, bool) {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay, true
		}
	}

	return 0, false
}
