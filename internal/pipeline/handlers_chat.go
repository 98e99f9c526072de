package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/translate"
)

const lastTurnsWindow = 4

// statusClientClosed is the nginx-convention status analytics records for a
// request the client disconnected before a real upstream status existed.
const statusClientClosed = 499

// lastTurnsJSON encodes the tail of a conversation for a remote router's
// PrivacySummary/PrivacyFull payload.
func lastTurnsJSON(messages []gateway.ChatMessage) json.RawMessage {
	if len(messages) == 0 {
		return nil
	}
	start := len(messages) - lastTurnsWindow
	if start < 0 {
		start = 0
	}
	data, err := json.Marshal(messages[start:])
	if err != nil {
		return nil
	}
	return data
}

// handleChatCompletions implements POST /v1/chat/completions: auth has
// already run via middleware; this handler enriches, routes, translates if
// the resolved plan speaks a different wire dialect, invokes the upstream,
// relays the result, and records exactly one analytics event.
func (p *Pipeline) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var doc gateway.ChatDocument
	if !decodeRequestBody(w, r, &doc) {
		return
	}

	verified := gateway.VerifiedFromContext(r.Context())
	systemPrompt := ""
	var systemPromptApplied, mcpUsed bool
	if p.deps.Enricher != nil {
		doc.Messages, systemPromptApplied = p.deps.Enricher.ApplySystemPrompt(doc.Messages, doc.Model, gateway.APIChat)
		doc.Tools, mcpUsed = p.deps.Enricher.MergeTools(doc.Tools)
		if len(doc.Messages) > 0 && doc.Messages[0].Role == "system" {
			systemPrompt = unquoteContent(doc.Messages[0].Content)
		}
	}
	meta := enrichMeta{systemPromptApplied: systemPromptApplied, mcpUsed: mcpUsed}

	tokenEstimate := 0
	if p.deps.TokenCounter != nil {
		tokenEstimate = p.deps.TokenCounter.EstimateRequest(doc.Model, doc.Messages)
	}

	plan, err := p.resolvePlan(r.Context(), doc.Model, gateway.APIChat, chatCaps(&doc), tokenEstimate, doc.ConversationID, systemPrompt, lastTurnsJSON(doc.Messages))
	if err != nil {
		p.failChat(w, r, &doc, start, verified, nil, meta, err)
		return
	}

	if plan.Mode == gateway.ModeBedrock && !p.deps.Upstream.SupportsBedrock() {
		err := gateway.NewStatusError(gateway.ErrUpstream, http.StatusBadGateway, "bedrock passthrough not configured")
		p.failChat(w, r, &doc, start, verified, plan, meta, err)
		return
	}

	if doc.Stream {
		p.streamChatCompletion(w, r, &doc, plan, start, verified, meta)
		return
	}

	cacheable := p.deps.Cache != nil && p.deps.CacheEnabled && verified != nil && isCacheable(false, doc.Temperature, p.deps.CacheMaxTemperature)
	var ck string
	if cacheable {
		body, _ := json.Marshal(&doc)
		ck = cacheKey(verified.KeyID, doc.Model, body)
		if data, ok := p.deps.Cache.Get(r.Context(), ck); ok {
			setRouteHeaders(w, plan)
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			p.recordAnalytics(analyticsInput{
				Endpoint: "/v1/chat/completions", Method: r.Method, Model: doc.Model,
				ReqSize: int64(len(body)), IP: clientIP(r), UA: r.UserAgent(),
				Status: http.StatusOK, RespSize: int64(len(data)), Success: true,
				DurationMs: time.Since(start).Milliseconds(),
				Verified:   verified, Plan: plan,
				MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
			})
			return
		}
	}

	respDoc, err := p.invokeChat(r.Context(), plan, &doc)
	p.recordRouteOutcome(plan, err)
	if err != nil {
		p.failChat(w, r, &doc, start, verified, plan, meta, err)
		return
	}

	setRouteHeaders(w, plan)
	body, err := json.Marshal(respDoc)
	if err != nil {
		p.failChat(w, r, &doc, start, verified, plan, meta, gateway.NewStatusError(gateway.ErrInternal, http.StatusInternalServerError, "encode response"))
		return
	}
	if cacheable {
		p.deps.Cache.Set(r.Context(), ck, body, p.deps.CacheDefaultTTL)
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	p.recordAnalytics(analyticsInput{
		Endpoint: "/v1/chat/completions", Method: r.Method, Model: doc.Model,
		ReqSize: int64(len(body)), IP: clientIP(r), UA: r.UserAgent(),
		Status: http.StatusOK, RespSize: int64(len(body)), Success: true,
		DurationMs: time.Since(start).Milliseconds(),
		Usage:      respDoc.Usage, Verified: verified, Plan: plan,
		MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
	})
}

// enrichMeta carries the per-request enrichment outcome from
// handleChatCompletions/handleResponses down to every analytics event the
// request produces.
type enrichMeta struct {
	systemPromptApplied bool
	mcpUsed             bool
}

// invokeChat invokes the resolved plan's upstream, translating the request
// and response when the plan's wire dialect differs from Chat.
func (p *Pipeline) invokeChat(ctx context.Context, plan *gateway.RoutePlan, doc *gateway.ChatDocument) (*gateway.ChatDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deps.UpstreamTimeout)
	defer cancel()

	if plan.Mode == gateway.ModeChat || plan.Mode == gateway.ModeBedrock {
		return p.deps.Upstream.InvokeChat(ctx, plan, doc)
	}

	reqDoc, err := translate.ChatToResponses(doc)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrMalformed, http.StatusBadRequest, err.Error())
	}
	respDoc, err := p.deps.Upstream.InvokeResponses(ctx, plan, reqDoc)
	if err != nil {
		return nil, err
	}
	out, err := translate.ResponsesToChat(respDoc)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, http.StatusInternalServerError, err.Error())
	}
	return out, nil
}

// failChat maps err to a status, writes the error envelope, and records an
// analytics failure event.
func (p *Pipeline) failChat(w http.ResponseWriter, r *http.Request, doc *gateway.ChatDocument, start time.Time, verified *gateway.Verified, plan *gateway.RoutePlan, meta enrichMeta, err error) {
	status := errorStatus(err)
	slog.LogAttrs(r.Context(), slog.LevelWarn, "chat completion failed",
		slog.Int("status", status), slog.String("error", err.Error()))
	writeJSON(w, status, errorResponse(err.Error()))
	p.recordAnalytics(analyticsInput{
		Endpoint: "/v1/chat/completions", Method: r.Method, Model: doc.Model,
		Stream: doc.Stream, IP: clientIP(r), UA: r.UserAgent(),
		Status: status, Success: false, ErrMsg: err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
		Verified:   verified, Plan: plan,
		MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
	})
}

// streamChatCompletion relays an SSE stream to the client, translating
// upstream chunks if the plan's dialect differs from Chat.
func (p *Pipeline) streamChatCompletion(w http.ResponseWriter, r *http.Request, doc *gateway.ChatDocument, plan *gateway.RoutePlan, start time.Time, verified *gateway.Verified, meta enrichMeta) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var ch <-chan gateway.StreamChunk
	var err error
	var translator interface {
		Translate(gateway.StreamChunk) ([]gateway.StreamChunk, error)
	}

	if plan.Mode == gateway.ModeChat || plan.Mode == gateway.ModeBedrock {
		ch, err = p.deps.Upstream.InvokeChatStream(ctx, plan, doc)
	} else {
		var reqDoc *gateway.ResponsesDocument
		reqDoc, err = translate.ChatToResponses(doc)
		if err == nil {
			ch, err = p.deps.Upstream.InvokeResponsesStream(ctx, plan, reqDoc)
			translator = translate.NewResponsesToChatStream()
		}
	}
	if err != nil {
		p.recordRouteOutcome(plan, err)
		p.failChat(w, r, doc, start, verified, plan, meta, err)
		return
	}

	writeSSEHeaders(w, routeHeaderMap(plan))
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not implement http.Flusher")
		return
	}
	flusher.Flush()

	var usage *gateway.Usage
	var ttfbMs *int64
	for chunk := range ch {
		if ttfbMs == nil {
			ms := time.Since(start).Milliseconds()
			ttfbMs = &ms
		}
		if chunk.Err != nil {
			if r.Context().Err() != nil || errors.Is(chunk.Err, context.Canceled) {
				slog.LogAttrs(r.Context(), slog.LevelInfo, "client closed connection mid-stream",
					slog.String("error", chunk.Err.Error()))
				p.finishChatStream(r, doc, start, ttfbMs, verified, plan, meta, usage, statusClientClosed, gateway.ErrClientClosed.Error())
				return
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "stream error", slog.String("error", chunk.Err.Error()))
			writeSSEError(w, "upstream stream error")
			writeSSEDone(w)
			flusher.Flush()
			p.recordRouteOutcome(plan, chunk.Err)
			p.finishChatStream(r, doc, start, ttfbMs, verified, plan, meta, usage, http.StatusBadGateway, "upstream stream error")
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Done {
			break
		}

		out := []gateway.StreamChunk{chunk}
		if translator != nil {
			out, err = translator.Translate(chunk)
			if err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream translate error", slog.String("error", err.Error()))
				continue
			}
		}
		for _, c := range out {
			if c.Usage != nil {
				usage = c.Usage
			}
			if len(c.Data) > 0 {
				writeSSEData(w, c.Data)
			}
		}
		flusher.Flush()
	}
	writeSSEDone(w)
	flusher.Flush()
	p.recordRouteOutcome(plan, nil)
	p.finishChatStream(r, doc, start, ttfbMs, verified, plan, meta, usage, http.StatusOK, "")
}

func (p *Pipeline) finishChatStream(r *http.Request, doc *gateway.ChatDocument, start time.Time, ttfbMs *int64, verified *gateway.Verified, plan *gateway.RoutePlan, meta enrichMeta, usage *gateway.Usage, status int, errMsg string) {
	var tps *float64
	if usage != nil && usage.CompletionTokens > 0 {
		secs := time.Since(start).Seconds()
		if secs > 0 {
			v := float64(usage.CompletionTokens) / secs
			tps = &v
		}
	}
	p.recordAnalytics(analyticsInput{
		Endpoint: "/v1/chat/completions", Method: r.Method, Model: doc.Model, Stream: true,
		IP: clientIP(r), UA: r.UserAgent(),
		Status: status, Success: status == http.StatusOK, ErrMsg: errMsg,
		DurationMs: time.Since(start).Milliseconds(), TTFBMs: ttfbMs, TPS: tps,
		Usage: usage, Verified: verified, Plan: plan,
		MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
	})
}

// unquoteContent renders a ChatMessage's raw JSON content as plain text for
// the PrivacyFull remote-router payload.
func unquoteContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
