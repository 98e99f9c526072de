// Package gateway defines the domain types shared across the routiium
// request pipeline: the two wire-format documents, routing types, the
// credential record shape, and analytics events. This package has no
// project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// --- Wire documents (the two covered chat-style formats) ---

// ChatMessage is a role-tagged message in the Chat wire format. Content is
// either a plain string or a heterogeneous array of parts; both are kept as
// raw JSON so the translator can inspect shape without committing to one.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatFunction is the function body of a ChatTool.
type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatTool is a tool definition in the Chat format.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

// ChatDocument is the Chat Completions-style request/response wire document.
type ChatDocument struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages,omitempty"`
	Tools          []ChatTool      `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
	Seed           *int            `json:"seed,omitempty"`
	User           string          `json:"user,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	ID             string          `json:"id,omitempty"`
	Object         string          `json:"object,omitempty"`
	Created        int64           `json:"created,omitempty"`
	Choices        []ChatChoice    `json:"choices,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	PrevResponseID string          `json:"previous_response_id,omitempty"`
}

// ChatChoice is a single completion choice in a ChatDocument response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ResponsesPart is a single heterogeneous content part: text, image, audio.
// Exactly one of the typed fields is set, selected by Type.
type ResponsesPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

// ResponsesItem is one item of a Responses-format input/output array: a
// message with role-tagged heterogeneous content parts, or a function call
// / function call output item.
type ResponsesItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role,omitempty"`
	Content   []ResponsesPart `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
}

// ResponsesTool mirrors ChatTool in the Responses wire shape (flattened, no
// nested "function" object).
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponsesDocument is the Responses-style request/response wire document.
type ResponsesDocument struct {
	Model          string          `json:"model"`
	Input          []ResponsesItem `json:"input,omitempty"`
	Instructions   string          `json:"instructions,omitempty"`
	Tools          []ResponsesTool `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxOutputTok   *int            `json:"max_output_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	PrevResponseID string          `json:"previous_response_id,omitempty"`
	ID             string          `json:"id,omitempty"`
	Object         string          `json:"object,omitempty"`
	Created        int64           `json:"created_at,omitempty"`
	Output         []ResponsesItem `json:"output,omitempty"`
	Status         string          `json:"status,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
}

// Usage is the token-usage block common to both wire formats.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// StreamChunk is one parsed upstream SSE event, in whichever wire shape it
// arrived in, annotated with the fields the streaming relay needs.
type StreamChunk struct {
	Data  []byte // raw translated payload, ready to write as an SSE data line
	Usage *Usage // non-nil when this chunk carries a usage block
	Done  bool   // true on the terminal [DONE] sentinel
	Err   error
}

// --- Routing ---

// APISurface names which wire format an inbound or upstream call uses.
type APISurface string

const (
	APIChat      APISurface = "chat"
	APIResponses APISurface = "responses"
)

// UpstreamMode names the upstream dialect a RoutePlan targets.
type UpstreamMode string

const (
	ModeChat      UpstreamMode = "chat"
	ModeResponses UpstreamMode = "responses"
	ModeBedrock   UpstreamMode = "bedrock"
)

// PrivacyMode controls how much conversation content is sent to the remote
// routing policy service.
type PrivacyMode string

const (
	PrivacyFeatures PrivacyMode = "features"
	PrivacySummary  PrivacyMode = "summary"
	PrivacyFull     PrivacyMode = "full"
)

// Caps names a capability an alias may be asked to resolve for.
type Caps string

const (
	CapText   Caps = "text"
	CapTools  Caps = "tools"
	CapVision Caps = "vision"
	CapJSON   Caps = "json_mode"
)

// RouteRequest is the ephemeral input to the routing engine.
type RouteRequest struct {
	Alias          string
	API            APISurface
	Caps           []Caps
	TokenEstimate  int
	Privacy        PrivacyMode
	ConversationID string
	PlanToken      string          // replayed stickiness token, if any
	SystemPrompt   string          // present only at PrivacyFull
	LastTurns      json.RawMessage // present at PrivacySummary/PrivacyFull
}

// RouteCache carries the caching directives a RoutePlan was resolved with.
type RouteCache struct {
	TTLMillis  int64
	ValidUntil time.Time
	FreezeKey  string
}

// RouteStickiness carries the stickiness token a RoutePlan wants replayed.
type RouteStickiness struct {
	PlanToken string
}

// RoutePlan is the resolved target returned by the routing engine.
type RoutePlan struct {
	BaseURL     string
	Mode        UpstreamMode
	ModelID     string
	AuthEnv     string
	Headers     map[string]string
	PolicyRev   string
	RouteID     string
	Cache       RouteCache
	Stickiness  RouteStickiness
	ContentUsed string // echoed back to the caller, surfaced as x-content-used
	Backend     string // which router implementation produced this plan
}

// --- Credential subsystem ---

// ApiKeyInfo is the metadata view of a credential record -- never the
// secret digest.
type ApiKeyInfo struct {
	ID        string     `json:"id"`
	Label     string     `json:"label,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ApiKeyRecord is the full persisted credential record, including the salted
// secret digest. Never serialized to a client.
type ApiKeyRecord struct {
	ID         string
	SecretHash string // salted digest of the secret half of the token
	Salt       string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	Label      string
	Scopes     []string
}

// Active reports whether the record is currently usable: not revoked and not
// expired. Independent of any cache state.
func (k *ApiKeyRecord) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Info returns the metadata-only view of the record.
func (k *ApiKeyRecord) Info() ApiKeyInfo {
	return ApiKeyInfo{
		ID:        k.ID,
		Label:     k.Label,
		Scopes:    k.Scopes,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		RevokedAt: k.RevokedAt,
	}
}

// Verified is the caller context produced by a successful credential
// verification or by passthrough-mode auth.
type Verified struct {
	KeyID  string
	Label  string
	Scopes []string
	Method string // "managed" or "passthrough"
}

// --- Analytics ---

// RequestMeta captures request-side analytics fields.
type RequestMeta struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Size     int64  `json:"size"`
	IP       string `json:"ip,omitempty"`
	UA       string `json:"ua,omitempty"`
}

// ResponseMeta captures response-side analytics fields.
type ResponseMeta struct {
	Status  int    `json:"status"`
	Size    int64  `json:"size"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PerfMeta captures timing fields.
type PerfMeta struct {
	DurationMs int64    `json:"duration_ms"`
	TTFBMs     *int64   `json:"ttfb_ms,omitempty"`
	UpstreamMs *int64   `json:"upstream_ms,omitempty"`
	TPS        *float64 `json:"tps,omitempty"`
}

// TokensMeta captures the token-usage block attached to an analytics event.
type TokensMeta struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Cached     int `json:"cached,omitempty"`
	Reasoning  int `json:"reasoning,omitempty"`
}

// CostMeta is the computed cost breakdown for an event, rounded to six
// decimal places per component and total.
type CostMeta struct {
	Input     float64 `json:"input"`
	Output    float64 `json:"output"`
	Cached    float64 `json:"cached,omitempty"`
	Reasoning float64 `json:"reasoning,omitempty"`
	Total     float64 `json:"total"`
	Currency  string  `json:"currency"`
}

// AuthMeta captures which credential (if any) authenticated the request.
type AuthMeta struct {
	APIKeyID string `json:"api_key_id,omitempty"`
	Label    string `json:"label,omitempty"`
	Method   string `json:"method"`
}

// RoutingMeta captures which routing backend served the request.
type RoutingMeta struct {
	Backend             string `json:"backend"`
	Mode                string `json:"mode"`
	MCPUsed             bool   `json:"mcp_used"`
	SystemPromptApplied bool   `json:"system_prompt_applied"`
}

// AnalyticsEvent is the complete per-request analytics record.
type AnalyticsEvent struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Request   RequestMeta  `json:"request"`
	Response  ResponseMeta `json:"response"`
	Perf      PerfMeta     `json:"perf"`
	Tokens    TokensMeta   `json:"tokens"`
	Cost      *CostMeta    `json:"cost,omitempty"`
	Auth      AuthMeta     `json:"auth"`
	Routing   RoutingMeta  `json:"routing"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Verified field is set later by the authenticate middleware via
// mutation of the same pointer, avoiding a second context.WithValue +
// Request.WithContext.
type requestMeta struct {
	RequestID string
	Verified  *Verified
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// VerifiedFromContext extracts the authenticated caller from context.
func VerifiedFromContext(ctx context.Context) *Verified {
	if m := metaFromContext(ctx); m != nil {
		return m.Verified
	}
	return nil
}

// ContextWithVerified stores the caller in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithVerified(ctx context.Context, v *Verified) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Verified = v
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Verified: v})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Native passthrough ---

// NativeProxy is an optional interface an upstream invoker can implement to
// support raw HTTP passthrough for a given upstream mode, bypassing the
// translator entirely. Checked via type assertion.
type NativeProxy interface {
	ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, plan *RoutePlan) error
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller
// context. Implementations may be the managed credential store or a
// passthrough mode that trusts the bearer token as-is.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Verified, error)
}
