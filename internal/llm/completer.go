package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/relay-go/internal/history"
	"github.com/comigor/relay-go/internal/logger"
)

// Completer turns a message window into one assistant reply.
type Completer struct {
	client  Client
	model   string
	timeout time.Duration
}

// NewCompleter creates a Completer. A zero timeout leaves the deadline to ctx.
func NewCompleter(client Client, model string, timeout time.Duration) *Completer {
	return &Completer{client: client, model: model, timeout: timeout}
}

// Complete sends messages to the completion endpoint once and returns the
// first choice as an assistant message. Failures are either ErrMalformedResponse
// or a *RequestFailedError; nothing is retried.
func (c *Completer) Complete(ctx context.Context, messages []history.Message) (history.Message, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	logger.L.Debug("sending completion request", "model", c.model, "messages", len(messages))
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		rf := requestFailed(err)
		logger.L.Error("completion request failed", "status", rf.StatusCode, "detail", rf.Detail)
		return history.Message{}, rf
	}

	if len(resp.Choices) == 0 {
		logger.L.Error("invalid completion response (missing choices)", "id", resp.ID)
		return history.Message{}, fmt.Errorf("%w: missing choices", ErrMalformedResponse)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		logger.L.Error("invalid completion response (missing content)", "id", resp.ID, "finish_reason", resp.Choices[0].FinishReason)
		return history.Message{}, fmt.Errorf("%w: missing content", ErrMalformedResponse)
	}

	logger.L.Debug("received completion", "id", resp.ID, "total_tokens", resp.Usage.TotalTokens)
	return history.Message{Role: history.RoleAssistant, Content: content}, nil
}

// requestFailed extracts the HTTP status and a readable detail from the
// error types go-openai returns.
func requestFailed(err error) *RequestFailedError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &RequestFailedError{StatusCode: apiErr.HTTPStatusCode, Detail: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := reqErr.HTTPStatus
		if reqErr.Err != nil {
			detail = reqErr.Err.Error()
		}
		return &RequestFailedError{StatusCode: reqErr.HTTPStatusCode, Detail: detail, Err: err}
	}
	return &RequestFailedError{Detail: err.Error(), Err: err}
}
