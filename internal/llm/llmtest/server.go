// Package llmtest provides a mock OpenAI-compatible chat-completions
// endpoint for testing the LLM Client and anything built on it.
//
// Usage:
//
//	s := llmtest.New(llmtest.WithStreamContent("# hello\n"))
//	defer s.Close()
//	client := llm.NewClient(llm.Config{Endpoint: s.URL})
package llmtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
)

// Server wraps an httptest.Server preconfigured to answer
// chat-completions requests the way a real (or misbehaving, for error
// path tests) vendor endpoint would.
type Server struct {
	*httptest.Server

	requestCount int32

	mu          sync.Mutex
	lastModel   string
	lastRequest map[string]any

	streamChunks   []string
	omitDone       bool
	injectMalformed bool
	blockingContent string
	errorStatus     int
	requestHook     func(*http.Request)
}

// Option configures a Server.
type Option func(*Server)

// WithStreamContent configures the server to stream content back as
// a sequence of delta events, one per chunk of at most 8 bytes,
// followed by a [DONE] sentinel (unless WithoutDone is also given).
func WithStreamContent(content string) Option {
	return func(s *Server) {
		const chunkSize = 8
		var chunks []string
		for len(content) > 0 {
			n := chunkSize
			if n > len(content) {
				n = len(content)
			}
			chunks = append(chunks, content[:n])
			content = content[n:]
		}
		s.streamChunks = chunks
	}
}

// WithoutDone suppresses the [DONE] sentinel, so the stream ends by
// closing the connection instead — exercising the "end-of-stream
// without an explicit [DONE]" completion path.
func WithoutDone() Option {
	return func(s *Server) { s.omitDone = true }
}

// WithMalformedEvent injects one unparsable "data:" line in the
// middle of the stream, exercising the "malformed events are
// dropped" behavior.
func WithMalformedEvent() Option {
	return func(s *Server) { s.injectMalformed = true }
}

// WithBlockingContent sets the content returned by a non-streaming
// (blocking) request.
func WithBlockingContent(content string) Option {
	return func(s *Server) { s.blockingContent = content }
}

// WithErrorMode makes every request fail with the given HTTP status.
func WithErrorMode(status int) Option {
	return func(s *Server) { s.errorStatus = status }
}

// WithRequestHook installs a callback invoked on every request before
// it is handled, e.g. to assert on headers.
func WithRequestHook(hook func(*http.Request)) Option {
	return func(s *Server) { s.requestHook = hook }
}

// New starts a mock server configured by opts.
func New(opts ...Option) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// RequestCount returns the number of requests received so far.
func (s *Server) RequestCount() int32 {
	return atomic.LoadInt32(&s.requestCount)
}

// LastModel returns the "model" field of the most recently received
// request body.
func (s *Server) LastModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModel
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.requestCount, 1)
	if s.requestHook != nil {
		s.requestHook(r)
	}

	var body map[string]any
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &body)

	s.mu.Lock()
	s.lastRequest = body
	if model, ok := body["model"].(string); ok {
		s.lastModel = model
	}
	s.mu.Unlock()

	if s.errorStatus != 0 {
		http.Error(w, "mock error", s.errorStatus)
		return
	}

	streaming, _ := body["stream"].(bool)
	if streaming {
		s.handleStream(w)
		return
	}
	s.handleBlocking(w)
}

func (s *Server) handleBlocking(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, s.blockingContent)
}

func (s *Server) handleStream(w http.ResponseWriter) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(content string) {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
		if flusher != nil {
			flusher.Flush()
		}
	}

	chunks := s.streamChunks
	mid := len(chunks) / 2
	for i, chunk := range chunks {
		if s.injectMalformed && i == mid {
			fmt.Fprint(w, "data: {not valid json\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
		writeEvent(chunk)
	}

	if !s.omitDone {
		fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}
