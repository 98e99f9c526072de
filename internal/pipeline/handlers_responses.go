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

// handleResponses implements POST /v1/responses -- the Responses-format
// counterpart of handleChatCompletions, sharing the same resolve/translate/
// invoke/relay/record shape.
func (p *Pipeline) handleResponses(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var doc gateway.ResponsesDocument
	if !decodeRequestBody(w, r, &doc) {
		return
	}

	verified := gateway.VerifiedFromContext(r.Context())
	var systemPromptApplied, mcpUsed bool
	if p.deps.Enricher != nil {
		doc.Instructions, doc.Tools, systemPromptApplied, mcpUsed = p.enrichResponses(&doc)
	}
	meta := enrichMeta{systemPromptApplied: systemPromptApplied, mcpUsed: mcpUsed}
	systemPrompt := doc.Instructions

	tokenEstimate := 0
	if p.deps.TokenCounter != nil {
		tokenEstimate = p.deps.TokenCounter.CountText(doc.Model, systemPrompt) + responsesInputTokenEstimate(&doc, p.deps)
	}

	plan, err := p.resolvePlan(r.Context(), doc.Model, gateway.APIResponses, responsesCaps(&doc), tokenEstimate, doc.ConversationID, systemPrompt, responsesLastTurnsJSON(&doc))
	if err != nil {
		p.failResponses(w, r, &doc, start, verified, nil, meta, err)
		return
	}

	if plan.Mode == gateway.ModeBedrock && !p.deps.Upstream.SupportsBedrock() {
		err := gateway.NewStatusError(gateway.ErrUpstream, http.StatusBadGateway, "bedrock passthrough not configured")
		p.failResponses(w, r, &doc, start, verified, plan, meta, err)
		return
	}

	if doc.Stream {
		p.streamResponses(w, r, &doc, plan, start, verified, meta)
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
				Endpoint: "/v1/responses", Method: r.Method, Model: doc.Model,
				ReqSize: int64(len(body)), IP: clientIP(r), UA: r.UserAgent(),
				Status: http.StatusOK, RespSize: int64(len(data)), Success: true,
				DurationMs: time.Since(start).Milliseconds(),
				Verified:   verified, Plan: plan,
				MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
			})
			return
		}
	}

	respDoc, err := p.invokeResponses(r.Context(), plan, &doc)
	p.recordRouteOutcome(plan, err)
	if err != nil {
		p.failResponses(w, r, &doc, start, verified, plan, meta, err)
		return
	}

	setRouteHeaders(w, plan)
	body, err := json.Marshal(respDoc)
	if err != nil {
		p.failResponses(w, r, &doc, start, verified, plan, meta, gateway.NewStatusError(gateway.ErrInternal, http.StatusInternalServerError, "encode response"))
		return
	}
	if cacheable {
		p.deps.Cache.Set(r.Context(), ck, body, p.deps.CacheDefaultTTL)
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	p.recordAnalytics(analyticsInput{
		Endpoint: "/v1/responses", Method: r.Method, Model: doc.Model,
		ReqSize: int64(len(body)), IP: clientIP(r), UA: r.UserAgent(),
		Status: http.StatusOK, RespSize: int64(len(body)), Success: true,
		DurationMs: time.Since(start).Milliseconds(),
		Usage:      respDoc.Usage, Verified: verified, Plan: plan,
		MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
	})
}

// enrichResponses threads a Responses document's instructions/tools through
// the Enricher's Chat-shaped API, converting at the boundary and back.
func (p *Pipeline) enrichResponses(doc *gateway.ResponsesDocument) (instructions string, tools []gateway.ResponsesTool, systemPromptApplied, mcpUsed bool) {
	var msgs []gateway.ChatMessage
	if doc.Instructions != "" {
		raw, _ := json.Marshal(doc.Instructions)
		msgs = append(msgs, gateway.ChatMessage{Role: "system", Content: raw})
	}
	msgs, systemPromptApplied = p.deps.Enricher.ApplySystemPrompt(msgs, doc.Model, gateway.APIResponses)
	instructions = doc.Instructions
	if len(msgs) > 0 && msgs[0].Role == "system" {
		instructions = unquoteContent(msgs[0].Content)
	}

	merged, used := p.deps.Enricher.MergeTools(responsesToolsToChatTools(doc.Tools))
	mcpUsed = used
	tools = chatToolsToResponsesTools(merged)
	return instructions, tools, systemPromptApplied, mcpUsed
}

func responsesToolsToChatTools(tools []gateway.ResponsesTool) []gateway.ChatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]gateway.ChatTool, len(tools))
	for i, t := range tools {
		out[i] = gateway.ChatTool{
			Type: "function",
			Function: gateway.ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

func chatToolsToResponsesTools(tools []gateway.ChatTool) []gateway.ResponsesTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]gateway.ResponsesTool, len(tools))
	for i, t := range tools {
		out[i] = gateway.ResponsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}
	}
	return out
}

func (p *Pipeline) invokeResponses(ctx context.Context, plan *gateway.RoutePlan, doc *gateway.ResponsesDocument) (*gateway.ResponsesDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deps.UpstreamTimeout)
	defer cancel()

	if plan.Mode == gateway.ModeResponses {
		return p.deps.Upstream.InvokeResponses(ctx, plan, doc)
	}

	reqDoc, err := translate.ResponsesToChat(doc)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrMalformed, http.StatusBadRequest, err.Error())
	}
	respDoc, err := p.deps.Upstream.InvokeChat(ctx, plan, reqDoc)
	if err != nil {
		return nil, err
	}
	out, err := translate.ChatToResponses(respDoc)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, http.StatusInternalServerError, err.Error())
	}
	return out, nil
}

func (p *Pipeline) failResponses(w http.ResponseWriter, r *http.Request, doc *gateway.ResponsesDocument, start time.Time, verified *gateway.Verified, plan *gateway.RoutePlan, meta enrichMeta, err error) {
	status := errorStatus(err)
	slog.LogAttrs(r.Context(), slog.LevelWarn, "responses request failed",
		slog.Int("status", status), slog.String("error", err.Error()))
	writeJSON(w, status, errorResponse(err.Error()))
	p.recordAnalytics(analyticsInput{
		Endpoint: "/v1/responses", Method: r.Method, Model: doc.Model,
		Stream: doc.Stream, IP: clientIP(r), UA: r.UserAgent(),
		Status: status, Success: false, ErrMsg: err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
		Verified:   verified, Plan: plan,
		MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
	})
}

func (p *Pipeline) streamResponses(w http.ResponseWriter, r *http.Request, doc *gateway.ResponsesDocument, plan *gateway.RoutePlan, start time.Time, verified *gateway.Verified, meta enrichMeta) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var ch <-chan gateway.StreamChunk
	var err error
	var translator interface {
		Translate(gateway.StreamChunk) ([]gateway.StreamChunk, error)
	}

	if plan.Mode == gateway.ModeResponses {
		ch, err = p.deps.Upstream.InvokeResponsesStream(ctx, plan, doc)
	} else {
		var reqDoc *gateway.ChatDocument
		reqDoc, err = translate.ResponsesToChat(doc)
		if err == nil {
			ch, err = p.deps.Upstream.InvokeChatStream(ctx, plan, reqDoc)
			translator = translate.NewChatToResponsesStream()
		}
	}
	if err != nil {
		p.recordRouteOutcome(plan, err)
		p.failResponses(w, r, doc, start, verified, plan, meta, err)
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
				p.finishResponsesStream(r, doc, start, ttfbMs, verified, plan, meta, usage, statusClientClosed, gateway.ErrClientClosed.Error())
				return
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "stream error", slog.String("error", chunk.Err.Error()))
			writeSSEError(w, "upstream stream error")
			writeSSEDone(w)
			flusher.Flush()
			p.recordRouteOutcome(plan, chunk.Err)
			p.finishResponsesStream(r, doc, start, ttfbMs, verified, plan, meta, usage, http.StatusBadGateway, "upstream stream error")
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
	p.finishResponsesStream(r, doc, start, ttfbMs, verified, plan, meta, usage, http.StatusOK, "")
}

func (p *Pipeline) finishResponsesStream(r *http.Request, doc *gateway.ResponsesDocument, start time.Time, ttfbMs *int64, verified *gateway.Verified, plan *gateway.RoutePlan, meta enrichMeta, usage *gateway.Usage, status int, errMsg string) {
	var tps *float64
	if usage != nil && usage.CompletionTokens > 0 {
		secs := time.Since(start).Seconds()
		if secs > 0 {
			v := float64(usage.CompletionTokens) / secs
			tps = &v
		}
	}
	p.recordAnalytics(analyticsInput{
		Endpoint: "/v1/responses", Method: r.Method, Model: doc.Model, Stream: true,
		IP: clientIP(r), UA: r.UserAgent(),
		Status: status, Success: status == http.StatusOK, ErrMsg: errMsg,
		DurationMs: time.Since(start).Milliseconds(), TTFBMs: ttfbMs, TPS: tps,
		Usage: usage, Verified: verified, Plan: plan,
		MCPUsed: meta.mcpUsed, SystemPromptApplied: meta.systemPromptApplied,
	})
}

// responsesInputTokenEstimate estimates the input-array token cost by
// flattening its text parts through the same counter used for Chat.
func responsesInputTokenEstimate(doc *gateway.ResponsesDocument, deps Deps) int {
	total := 0
	for _, item := range doc.Input {
		for _, part := range item.Content {
			if part.Text != "" {
				total += deps.TokenCounter.CountText(doc.Model, part.Text)
			}
		}
	}
	return total
}

// responsesLastTurnsJSON encodes the tail of a Responses input array for a
// remote router's PrivacySummary/PrivacyFull payload.
func responsesLastTurnsJSON(doc *gateway.ResponsesDocument) json.RawMessage {
	if len(doc.Input) == 0 {
		return nil
	}
	start := len(doc.Input) - lastTurnsWindow
	if start < 0 {
		start = 0
	}
	data, err := json.Marshal(doc.Input[start:])
	if err != nil {
		return nil
	}
	return data
}
