package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"hcsr/internal/domain"
)

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithModel sets the upstream model identifier.
func WithModel(model string) HTTPOption {
	return func(p *HTTPProvider) { p.model = model }
}

// WithDim sets the embedding dimension the provider is expected to return.
func WithDim(dim int) HTTPOption {
	return func(p *HTTPProvider) { p.dim = dim }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) HTTPOption {
	return func(p *HTTPProvider) { p.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = client }
}

// HTTPProvider implements Provider against the wire contract of spec §6:
// POST {input, model} → {data: [{index, embedding}], usage}.
type HTTPProvider struct {
	apiKey  string
	model   string
	dim     int
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates an HTTP embedding provider.
func NewHTTPProvider(apiKey string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		apiKey:  apiKey,
		model:   "hcsr-embed-v1",
		dim:     1024,
		baseURL: "https://embeddings.internal/v1",
		client:  defaultHTTPClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponseData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embedResponse struct {
	Data  []embedResponseData `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed implements Provider. It classifies failures per spec §6: 429 and
// 5xx are Transient, other 4xx are Permanent, timeouts are Transient.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, permanentf("marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, permanentf("create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewSubSystemError("embedding", "HTTPProvider.Embed", domain.ErrTimeout, err.Error())
		}
		return nil, transientf("http request: %v", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10*1024*1024))
	if err != nil {
		return nil, transientf("read response: %v", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("API error %d: %s", httpResp.StatusCode, string(respBody))
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return nil, transientf("%s", msg)
		}
		return nil, permanentf("%s", msg)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, permanentf("unmarshal response: %v", err)
	}

	// Re-sort by index; trust input order if indices are absent (all zero).
	sort.SliceStable(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	result := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != p.dim {
			return nil, permanentf("embedding length mismatch: got %d, want %d", len(d.Embedding), p.dim)
		}
		result[i] = d.Embedding
	}
	return result, nil
}

// Dim implements Provider.
func (p *HTTPProvider) Dim() int { return p.dim }

// Name implements Provider.
func (p *HTTPProvider) Name() string { return "http" }

func transientf(format string, args ...any) error {
	return domain.NewSubSystemError("embedding", "HTTPProvider.Embed", domain.ErrTransient, fmt.Sprintf(format, args...))
}

func permanentf(format string, args ...any) error {
	return domain.NewSubSystemError("embedding", "HTTPProvider.Embed", domain.ErrPermanent, fmt.Sprintf(format, args...))
}

var _ Provider = (*HTTPProvider)(nil)
