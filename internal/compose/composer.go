// Package compose turns retrieved parent chunks into a grounded answer via
// a chat completion, with citations back to the source passages.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/hieradoc/hieradoc/internal/retrieve"
)

// Error kinds surfaced by Compose.
var (
	ErrNoRelevantContext = errors.New("no relevant context for question")
	ErrGenerationFailed  = errors.New("answer generation failed")
	ErrContentFiltered   = errors.New("answer blocked by content filter")
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Citation points an answer back at a source passage.
type Citation struct {
	Index     int    `json:"index"`
	DocID     string `json:"doc_id"`
	ParentID  string `json:"parent_id"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
}

// Answer is a generated response with the passages that grounded it.
type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// CompletionClient produces a chat completion for the given messages.
type CompletionClient interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
}

const systemPrompt = `You are a document question-answering assistant. Answer strictly from the
numbered context passages below. Cite passages inline as [1], [2] and so on.
If the passages do not contain the answer, say so plainly instead of guessing.`

// Composer assembles the prompt from retrieval results and generates the
// answer.
type Composer struct {
	client          CompletionClient
	model           string
	maxContextChars int
	logger          *slog.Logger
}

// New creates a composer. maxContextChars bounds the total size of the
// passage block in the prompt; lower-ranked passages are dropped to fit.
func New(client CompletionClient, model string, maxContextChars int, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		client:          client,
		model:           model,
		maxContextChars: maxContextChars,
		logger:          logger,
	}
}

// Compose generates an answer to question from the retrieved parents.
// Returns ErrNoRelevantContext when results is empty, and only emits
// citations for passages that actually fit the context budget.
func (c *Composer) Compose(ctx context.Context, question string, history []Message, results []*retrieve.Result) (*Answer, error) {
	if len(results) == 0 {
		return nil, ErrNoRelevantContext
	}

	included, contextBlock := c.fitContext(results)
	if len(included) == 0 {
		return nil, ErrNoRelevantContext
	}
	if len(included) < len(results) {
		c.logger.Debug("dropped passages to fit context budget",
			"retrieved", len(results), "included", len(included))
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt + "\n\nContext passages:\n" + contextBlock})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: question})

	text, err := c.client.Complete(ctx, c.model, messages)
	if err != nil {
		if errors.Is(err, ErrContentFiltered) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	citations := make([]Citation, len(included))
	for i, res := range included {
		citations[i] = Citation{
			Index:     i + 1,
			DocID:     res.Parent.DocID,
			ParentID:  res.Parent.ID,
			PageStart: res.Parent.PageStart,
			PageEnd:   res.Parent.PageEnd,
		}
	}
	return &Answer{Text: text, Citations: citations}, nil
}

// fitContext renders the numbered passage block, dropping the lowest-ranked
// results that would push the block past the budget. Results arrive best
// first, so the first passage always fits unless it alone exceeds the
// budget, in which case it is truncated rather than dropped.
func (c *Composer) fitContext(results []*retrieve.Result) ([]*retrieve.Result, string) {
	var b strings.Builder
	var included []*retrieve.Result
	for i, res := range results {
		passage := fmt.Sprintf("[%d] (pages %d-%d)\n%s\n\n",
			i+1, res.Parent.PageStart, res.Parent.PageEnd, res.Parent.Content)
		if b.Len()+len(passage) > c.maxContextChars {
			if i == 0 {
				passage = truncateRunes(passage, c.maxContextChars)
				b.WriteString(passage)
				included = append(included, res)
			}
			break
		}
		b.WriteString(passage)
		included = append(included, res)
	}
	return included, b.String()
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// OpenAIClient implements CompletionClient against the OpenAI chat API,
// retrying rate-limited requests.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient wraps an existing OpenAI client.
func NewOpenAIClient(client *openai.Client) *OpenAIClient {
	return &OpenAIClient{client: client}
}

// Complete runs one chat completion. Rate-limit responses are retried with
// exponential backoff; other API errors fail immediately.
func (c *OpenAIClient) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(messages),
		Model:    openai.ChatModel(model),
	}

	var text string
	operation := func() error {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("completion returned no choices"))
		}
		choice := resp.Choices[0]
		if choice.FinishReason == "content_filter" {
			return backoff.Permanent(ErrContentFiltered)
		}
		text = choice.Message.Content
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second
	expBackoff.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return "", err
	}
	return text, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
