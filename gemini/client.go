// Package gemini adapts the Gemini API to calls.Generator.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"vaxllo/calls"
)

const DefaultModel = "gemini-2.5-flash-lite"

type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, mostly for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// Client generates text with a Gemini model.
type Client struct {
	genai *genai.Client
	model string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{genai: gc, model: cfg.Model}, nil
}

var _ calls.Generator = (*Client)(nil)

// Generate runs one prompt. An answer without text or function calls is not
// an error; callers decide what an empty completion means.
func (c *Client) Generate(ctx context.Context, req calls.GenerateRequest) (calls.Completion, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if len(req.Functions) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Functions))
		for _, fn := range req.Functions {
			decls = append(decls, declaration(fn))
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.genai.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return calls.Completion{}, fmt.Errorf("%w: %w", calls.ErrGeneration, err)
	}

	out := calls.Completion{Text: resp.Text()}
	for _, fc := range resp.FunctionCalls() {
		out.FunctionCalls = append(out.FunctionCalls, calls.FunctionCall{Name: fc.Name, Args: fc.Args})
	}
	return out, nil
}

func declaration(fn calls.FunctionDecl) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(fn.Parameters))
	names := make([]string, 0, len(fn.Parameters))
	for name := range fn.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		props[name] = &genai.Schema{Type: genai.TypeString, Description: fn.Parameters[name]}
	}
	return &genai.FunctionDeclaration{
		Name:        fn.Name,
		Description: fn.Description,
		Parameters: &genai.Schema{
			Type:             genai.TypeObject,
			Properties:       props,
			Required:         fn.Required,
			PropertyOrdering: names,
		},
	}
}
