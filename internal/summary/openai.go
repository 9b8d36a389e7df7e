// Package summary turns merged analysis data into a readable report using an
// OpenAI-compatible chat completion endpoint.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/reelscope/reelscope/internal/merge"
)

const (
	maxTokens    = 2000
	DefaultModel = "qwen-plus"

	// Events beyond this are summarized by count only.
	maxPromptEvents = 200
)

var (
	ErrNotConfigured = errors.New("summary service not configured")
	ErrUnknownType   = errors.New("unknown analysis type")
	ErrEmptyResponse = errors.New("empty completion response")
)

// Type selects the report style.
type Type string

const (
	TypeSummary     Type = "summary"
	TypeTechnical   Type = "technical"
	TypeEducational Type = "educational"
	TypeMedical     Type = "medical"
)

var instructions = map[Type]string{
	TypeSummary:     "Write a professional summary of this video covering the main content, key scenes and an overall assessment.",
	TypeTechnical:   "Assess the video from a technical point of view: quality characteristics, capture technique and suggested improvements.",
	TypeEducational: "Assess the educational value of this video and where it could be used for teaching.",
	TypeMedical:     "As a medical imaging specialist, describe the observations this footage supports and any follow-up you would recommend.",
}

func ParseType(s string) (Type, error) {
	if s == "" {
		return TypeSummary, nil
	}
	t := Type(strings.ToLower(s))
	if _, ok := instructions[t]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, s)
	}
	return t, nil
}

// Input is the analysis data a report is generated from.
type Input struct {
	VideoID string
	Title   string
	Type    Type
	Stats   *merge.Stats
	Events  []merge.Event
	Result  json.RawMessage
}

type Report struct {
	VideoID          string `json:"videoId"`
	Type             Type   `json:"analysisType"`
	Model            string `json:"model"`
	Text             string `json:"analysis"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

type Client struct {
	*openai.Client
	Model string
}

// NewClient builds a client for apiKey. An empty baseURL uses the OpenAI
// default endpoint.
func NewClient(apiKey, baseURL, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (c *Client) Summarize(ctx context.Context, in Input) (*Report, error) {
	if c == nil || c.Client == nil {
		return nil, ErrNotConfigured
	}
	if in.Type == "" {
		in.Type = TypeSummary
	}
	if _, ok := instructions[in.Type]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)
	}

	req := openai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(in)},
		},
	}
	// Reasoning models reject max_tokens and sampling parameters.
	if isReasoningModel(c.Model) {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
		req.Temperature = 0.7
		req.TopP = 0.8
	}

	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyResponse
	}

	return &Report{
		VideoID:          in.VideoID,
		Type:             in.Type,
		Model:            c.Model,
		Text:             strings.TrimSpace(resp.Choices[0].Message.Content),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

const systemPrompt = "You are a video content analyst who extracts useful insight from detection data. Reply in plain text without markdown."

// BuildPrompt renders the user message for in.
func BuildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Video analysis data:\n\n")

	title := in.Title
	if title == "" {
		title = "untitled"
	}
	fmt.Fprintf(&b, "Title: %s\n", title)

	if s := in.Stats; s != nil {
		duration := 0.0
		if s.FPS > 0 {
			duration = float64(s.TotalFrame) / s.FPS
		}
		fmt.Fprintf(&b, "Frames: %d at %.2f fps (%.1f seconds)\n", s.TotalFrame, s.FPS, duration)
		fmt.Fprintf(&b, "Detected events: %d\n", s.EventsCount)
	}

	if len(in.Events) > 0 {
		counts := map[string]int{}
		var labels []string
		for _, ev := range in.Events {
			if counts[ev.Label] == 0 {
				labels = append(labels, ev.Label)
			}
			counts[ev.Label]++
		}
		b.WriteString("Events by label:\n")
		for _, l := range labels {
			fmt.Fprintf(&b, "- %s: %d\n", l, counts[l])
		}

		b.WriteString("\nEvent timeline (label, start frame, duration in frames):\n")
		for i, ev := range in.Events {
			if i == maxPromptEvents {
				fmt.Fprintf(&b, "... %d more events\n", len(in.Events)-maxPromptEvents)
				break
			}
			fmt.Fprintf(&b, "- %s, %d, %d\n", ev.Label, ev.StartFrame, ev.DurationFrames)
		}
	}

	if len(in.Result) > 0 {
		b.WriteString("\nDetailed result:\n")
		b.Write(in.Result)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(instructions[in.Type])
	return b.String()
}
