package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/routiium/gateway/internal"
)

func TestInvokeChat_PostsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var in gateway.ChatDocument
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if in.Model != "m" {
			t.Fatalf("unexpected model: %q", in.Model)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("missing auth header: %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(gateway.ChatDocument{Model: "m", ID: "resp_1"})
	}))
	defer srv.Close()

	t.Setenv("TEST_UPSTREAM_KEY", "secret")

	inv := New(nil)
	plan := &gateway.RoutePlan{BaseURL: srv.URL, Mode: gateway.ModeChat, AuthEnv: "TEST_UPSTREAM_KEY"}
	out, err := inv.InvokeChat(t.Context(), plan, &gateway.ChatDocument{Model: "m"})
	if err != nil {
		t.Fatalf("InvokeChat: %v", err)
	}
	if out.ID != "resp_1" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestInvokeChat_NonOKReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	inv := New(nil)
	plan := &gateway.RoutePlan{BaseURL: srv.URL, Mode: gateway.ModeChat}
	_, err := inv.InvokeChat(t.Context(), plan, &gateway.ChatDocument{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !asAPIError(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("unexpected mapped status: %d", apiErr.HTTPStatus())
	}
}

func TestInvokeChatStream_RelaysDataAndDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"a\":1}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	inv := New(nil)
	plan := &gateway.RoutePlan{BaseURL: srv.URL, Mode: gateway.ModeChat}
	ch, err := inv.InvokeChatStream(t.Context(), plan, &gateway.ChatDocument{Model: "m"})
	if err != nil {
		t.Fatalf("InvokeChatStream: %v", err)
	}

	first := <-ch
	if string(first.Data) != `{"a":1}` {
		t.Fatalf("unexpected first chunk: %+v", first)
	}
	second := <-ch
	if !second.Done {
		t.Fatalf("expected Done sentinel, got %+v", second)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Done")
	}
}

func asAPIError(err error, target **APIError) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}
