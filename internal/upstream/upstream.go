// Package upstream dials the resolved upstream target a RoutePlan names.
// Unlike a fixed per-provider adapter, routiium routes to an arbitrary
// base URL at request time, so there is one Invoker rather than one client
// per provider; the wire shape (Chat or Responses) is selected by the
// plan's Mode rather than by which package is imported.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/sseutil"
)

// Invoker dials a RoutePlan's base URL and speaks whichever wire dialect
// the plan's Mode names.
type Invoker struct {
	http    *http.Client
	bedrock *http.Client // signs gateway.ModeBedrock requests with AWS SigV4, nil if unconfigured
}

// WithBedrockTransport configures rt (typically a
// cloudauth.AWSSigV4Transport) as the transport used for
// gateway.ModeBedrock requests. Bedrock otherwise shares the Chat wire
// shape -- see endpointPath -- so only the transport differs.
func (i *Invoker) WithBedrockTransport(rt http.RoundTripper) *Invoker {
	i.bedrock = &http.Client{Transport: rt}
	return i
}

// SupportsBedrock reports whether a signed Bedrock transport has been
// configured via WithBedrockTransport.
func (i *Invoker) SupportsBedrock() bool { return i.bedrock != nil }

// httpClientFor picks the signing transport for Bedrock plans and the
// plain client otherwise.
func (i *Invoker) httpClientFor(plan *gateway.RoutePlan) *http.Client {
	if plan.Mode == gateway.ModeBedrock && i.bedrock != nil {
		return i.bedrock
	}
	return i.http
}

// New returns an Invoker with a tuned http.Client. A non-nil resolver wraps
// the transport with cached DNS lookups, as the gateway dials a long tail
// of distinct upstream hosts rather than one fixed provider endpoint.
func New(resolver *dnscache.Resolver) *Invoker {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &Invoker{http: &http.Client{Transport: t}}
}

// endpointPath maps a RoutePlan's Mode to the upstream path suffix. Bedrock
// shares the Chat wire shape -- only its transport (AWS SigV4 signing via
// WithBedrockTransport) differs from a plain chat target.
func endpointPath(mode gateway.UpstreamMode) (string, error) {
	switch mode {
	case gateway.ModeChat, gateway.ModeBedrock:
		return "/chat/completions", nil
	case gateway.ModeResponses:
		return "/responses", nil
	default:
		return "", fmt.Errorf("upstream: mode %q has no generic wire endpoint", mode)
	}
}

func (i *Invoker) newRequest(ctx context.Context, plan *gateway.RoutePlan, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, plan.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if plan.AuthEnv != "" {
		if key := os.Getenv(plan.AuthEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	for k, v := range plan.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// InvokeChat sends a non-streaming Chat-format request.
func (i *Invoker) InvokeChat(ctx context.Context, plan *gateway.RoutePlan, doc *gateway.ChatDocument) (*gateway.ChatDocument, error) {
	path, err := endpointPath(plan.Mode)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	req, err := i.newRequest(ctx, plan, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := i.httpClientFor(plan).Do(req)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(plan.BaseURL, resp)
	}
	var out gateway.ChatDocument
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	return &out, nil
}

// InvokeResponses sends a non-streaming Responses-format request.
func (i *Invoker) InvokeResponses(ctx context.Context, plan *gateway.RoutePlan, doc *gateway.ResponsesDocument) (*gateway.ResponsesDocument, error) {
	path, err := endpointPath(plan.Mode)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	req, err := i.newRequest(ctx, plan, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := i.httpClientFor(plan).Do(req)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(plan.BaseURL, resp)
	}
	var out gateway.ResponsesDocument
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	return &out, nil
}

// InvokeChatStream sends a streaming Chat-format request and relays raw SSE
// data payloads on the returned channel, closed after a Done sentinel or an
// error chunk.
func (i *Invoker) InvokeChatStream(ctx context.Context, plan *gateway.RoutePlan, doc *gateway.ChatDocument) (<-chan gateway.StreamChunk, error) {
	outDoc := *doc
	outDoc.Stream = true
	return i.invokeStream(ctx, plan, &outDoc)
}

// InvokeResponsesStream sends a streaming Responses-format request.
func (i *Invoker) InvokeResponsesStream(ctx context.Context, plan *gateway.RoutePlan, doc *gateway.ResponsesDocument) (<-chan gateway.StreamChunk, error) {
	outDoc := *doc
	outDoc.Stream = true
	return i.invokeStream(ctx, plan, &outDoc)
}

func (i *Invoker) invokeStream(ctx context.Context, plan *gateway.RoutePlan, doc any) (<-chan gateway.StreamChunk, error) {
	path, err := endpointPath(plan.Mode)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	req, err := i.newRequest(ctx, plan, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := i.httpClientFor(plan).Do(req)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, ParseAPIError(plan.BaseURL, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readSSEStream(ctx, resp, ch)
	return ch, nil
}

func readSSEStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, ok := sseutil.ParseLine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}
		ch <- gateway.StreamChunk{Data: []byte(data)}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("upstream: read stream: %w", err)}
	}
}
