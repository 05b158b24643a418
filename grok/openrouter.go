package grok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	roleSystem    = openai.ChatMessageRoleSystem
	roleUser      = openai.ChatMessageRoleUser
	roleAssistant = openai.ChatMessageRoleAssistant
)

var errNoChoices = errors.New("response contained no choices")

// ChatClient is the subset of the go-openai client used to talk to
// OpenRouter
type ChatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// HistoryMessage is a prior message included as conversation context.
// ID is the platform message ID, used to track what's been summarized.
type HistoryMessage struct {
	ID      int64  `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest describes a single completion request. When
// UserContent is set, it's sent instead of UserMessage.
type GenerateRequest struct {
	SystemPrompt string
	UserMessage  string
	UserContent  []openai.ChatMessagePart
	History      []HistoryMessage
	DisableTools bool
}

// ToolCall is a function call requested by the model
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// AIResponse is the model's reply: either content, tool calls, or both
type AIResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// OpenRouter generates chat completions via OpenRouter's
// OpenAI-compatible API
type OpenRouter struct {
	client ChatClient
	config *OpenRouterConfig
	logger *slog.Logger
	db     DBI
	tools  *ToolRegistry

	requestLimiter *rate.Limiter
	mu             sync.RWMutex
}

// headerTransport adds the OpenRouter attribution headers to every request
type headerTransport struct {
	referer string
	title   string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func newOpenRouter(
	config *OpenRouterConfig,
	httpClient *http.Client,
	handler slog.Handler,
	db DBI,
	tools *ToolRegistry,
) *OpenRouter {
	o := &OpenRouter{
		config:         config,
		db:             db,
		tools:          tools,
		requestLimiter: rate.NewLimiter(rate.Limit(DefaultOpenRouterMaxRequestsPerSec), 1),
	}
	o.logger = slog.New(handler).With(loggerNameKey, "openrouter")

	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = config.BaseURL

	client := &http.Client{}
	if httpClient != nil {
		*client = *httpClient
	}
	client.Transport = &headerTransport{
		referer: config.Referer,
		title:   config.Title,
		base:    client.Transport,
	}
	clientCfg.HTTPClient = client

	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// setRequestLimit updates the request rate limit. Called when the
// runtime config is loaded or changed.
func (o *OpenRouter) setRequestLimit(requestsPerSecond int) {
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestLimiter.SetLimit(rate.Limit(requestsPerSecond))
}

func (o *OpenRouter) wait(ctx context.Context) error {
	o.mu.RLock()
	limiter := o.requestLimiter
	o.mu.RUnlock()
	return limiter.Wait(ctx)
}

func (o *OpenRouter) buildMessages(req GenerateRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(
		messages,
		openai.ChatCompletionMessage{Role: roleSystem, Content: req.SystemPrompt},
	)
	for _, h := range req.History {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: h.Role, Content: h.Content},
		)
	}
	userMsg := openai.ChatCompletionMessage{Role: roleUser}
	if len(req.UserContent) > 0 {
		userMsg.MultiContent = req.UserContent
	} else {
		userMsg.Content = req.UserMessage
	}
	return append(messages, userMsg)
}

// GenerateResponse sends the request to the model, retrying failures per
// the configured policy. When every attempt fails, the error is logged
// and a fallback message is returned as the content.
func (o *OpenRouter) GenerateResponse(ctx context.Context, req GenerateRequest) AIResponse {
	logger := loggerFrom(ctx, o.logger)

	completionReq := openai.ChatCompletionRequest{
		Model:    o.config.Model,
		Messages: o.buildMessages(req),
	}
	if !req.DisableTools && o.tools != nil {
		completionReq.Tools = o.tools.Definitions()
	}

	var resp openai.ChatCompletionResponse
	err := Retry(
		ctx,
		logger,
		"generate_response",
		o.config.retryPolicy(),
		func(ctx context.Context) error {
			var e error
			resp, e = o.createChatCompletion(ctx, completionReq)
			return e
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error generating AI response", tint.Err(err))
		return AIResponse{Content: fallbackResponse}
	}
	return o.parseResponse(ctx, resp)
}

func (o *OpenRouter) parseResponse(
	ctx context.Context,
	resp openai.ChatCompletionResponse,
) AIResponse {
	msg := resp.Choices[0].Message
	rv := AIResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				loggerFrom(ctx, o.logger).WarnContext(
					ctx,
					"error decoding tool call arguments",
					"tool", tc.Function.Name,
					"arguments", tc.Function.Arguments,
					tint.Err(err),
				)
			}
		}
		rv.ToolCalls = append(
			rv.ToolCalls,
			ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args},
		)
	}
	return rv
}

// createChatCompletion makes a single completion request, recording it
// in openrouter_api_logs
func (o *OpenRouter) createChatCompletion(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	logger := loggerFrom(ctx, o.logger)

	if err := o.wait(ctx); err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	apiLog := &OpenRouterAPILog{
		Model:          req.Model,
		RequestStarted: time.Now().UnixMilli(),
	}
	if data, e := json.Marshal(req); e == nil {
		apiLog.RequestBody = string(data)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	apiLog.RequestEnded = time.Now().UnixMilli()
	if err == nil && len(resp.Choices) == 0 {
		err = errNoChoices
	}
	if err != nil {
		apiLog.Error = err.Error()
	}
	apiLog.ResponseHeaders = o.dumpHeaders(resp.Header())
	if data, e := json.Marshal(resp); e == nil {
		apiLog.ResponseBody = string(data)
	}

	if o.db != nil {
		if _, e := o.db.Create(context.WithoutCancel(ctx), apiLog); e != nil {
			logger.ErrorContext(ctx, "error saving api log", tint.Err(e))
		}
	}

	logger.DebugContext(
		ctx,
		"chat completion",
		"model", req.Model,
		"elapsed_ms", apiLog.RequestEnded-apiLog.RequestStarted,
		"usage", resp.Usage,
		tint.Err(err),
	)
	return resp, err
}

func (o *OpenRouter) dumpHeaders(headers http.Header) string {
	if len(headers) == 0 {
		return ""
	}
	data, err := json.Marshal(headers)
	if err != nil {
		o.logger.Warn("error dumping headers", tint.Err(err))
		return ""
	}
	return string(data)
}

const summarizePrompt = "You maintain a running summary of a chat conversation. " +
	"Merge the new messages into the existing summary. Keep names, user IDs, " +
	"decisions, open questions and facts users shared about themselves. " +
	"Drop greetings and small talk. Write plain prose, at most 300 words. " +
	"Reply with the updated summary only."

// SummarizeConversation folds lines (formatted as "role: content") into
// currentSummary. Errors are returned so callers can keep the existing
// summary.
func (o *OpenRouter) SummarizeConversation(
	ctx context.Context,
	currentSummary string,
	lines []string,
) (string, error) {
	if currentSummary == "" {
		currentSummary = "(none)"
	}
	userMsg := fmt.Sprintf(
		"EXISTING SUMMARY:\n%s\n\nNEW MESSAGES:\n%s",
		currentSummary,
		strings.Join(lines, "\n"),
	)

	req := openai.ChatCompletionRequest{
		Model: o.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: roleSystem, Content: summarizePrompt},
			{Role: roleUser, Content: userMsg},
		},
	}

	var resp openai.ChatCompletionResponse
	err := Retry(
		ctx,
		loggerFrom(ctx, o.logger),
		"summarize_conversation",
		o.config.retryPolicy(),
		func(ctx context.Context) error {
			var e error
			resp, e = o.createChatCompletion(ctx, req)
			return e
		},
	)
	if err != nil {
		return "", fmt.Errorf("error summarizing conversation: %w", err)
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.New("model returned an empty summary")
	}
	return summary, nil
}
