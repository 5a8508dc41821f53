package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// MockLLM answers locally without network access. It echoes a short
// summary of the request and requests no tool calls, which keeps the
// turn loop exercisable when no API key is configured.
type MockLLM struct{}

func (m *MockLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content
			break
		}
	}

	var b strings.Builder
	b.WriteString("[Mock LLM]\n")
	fmt.Fprintf(&b, "messages=%d tools=%d\n", len(req.Messages), len(req.Tools))
	if lastUser != "" {
		if len(lastUser) > 200 {
			lastUser = lastUser[:200] + "..."
		}
		b.WriteString("last_user=" + lastUser + "\n")
	}
	b.WriteString("Set LLM_API_KEY to use a real OpenAI-compatible model.\n")

	// Pre-chunk the reply so downstream rendering sees genuine deltas.
	content := b.String()
	const step = 32
	var chunks []LLMChunk
	for i := 0; i < len(content); i += step {
		end := i + step
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, LLMChunk{Delta: content[i:end]})
	}
	chunks = append(chunks, LLMChunk{FinishReason: "stop"})
	return &mockStream{chunks: chunks}, nil
}

type mockStream struct {
	chunks []LLMChunk
	closed bool
}

func (s *mockStream) Recv(ctx context.Context) (LLMChunk, error) {
	if s.closed || len(s.chunks) == 0 {
		return LLMChunk{}, io.EOF
	}
	ch := s.chunks[0]
	s.chunks = s.chunks[1:]
	if len(s.chunks) == 0 {
		s.closed = true
	}
	return ch, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
