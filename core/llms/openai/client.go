// Package openai talks to OpenAI compatible chat completion endpoints
// (SiliconFlow, LM Studio and OpenAI itself).
package openai

import (
	"net/http"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultModel       = "Qwen/Qwen2.5-32B-Instruct"
	defaultTemperature = 0.1
	defaultMaxTokens   = 2048
)

type Client struct {
	client *openai.Client

	model       string
	temperature float32
	maxTokens   int
}

type options struct {
	baseURL     string
	httpClient  *http.Client
	model       string
	temperature float32
	maxTokens   int
}

type Option func(*options)

// WithBaseURL points the client at a different OpenAI compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

func WithTemperature(temperature float32) Option {
	return func(o *options) {
		o.temperature = temperature
	}
}

func WithMaxTokens(maxTokens int) Option {
	return func(o *options) {
		o.maxTokens = maxTokens
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	o := options{
		model:       defaultModel,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&o)
	}

	config := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		config.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		config.HTTPClient = o.httpClient
	} else {
		config.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)}
	}

	return &Client{
		client:      openai.NewClientWithConfig(config),
		model:       o.model,
		temperature: o.temperature,
		maxTokens:   o.maxTokens,
	}
}

func (c *Client) Model() string {
	return c.model
}
