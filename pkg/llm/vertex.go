package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

// VertexAdapter talks to Vertex AI's generateContent streaming endpoint
// directly over REST: no Go SDK for Vertex exists anywhere in the
// reference pack, so this is a hand-rolled net/http client reusing the
// same SSE reassembly (sseScanner, in proxy.go) that ProxyClient decodes
// with, rather than a bespoke parser.
type VertexAdapter struct {
	http       *http.Client
	tokenSrc   google.CredentialsTokenSource
	projectID  string
	location   string
	logger     *slog.Logger
}

func NewVertexAdapter(ctx context.Context, projectID, location string, logger *slog.Logger) (*VertexAdapter, error) {
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("finding vertex credentials: %w", err)
	}
	return &VertexAdapter{
		http:      &http.Client{Timeout: 120 * time.Second},
		tokenSrc:  google.CredentialsTokenSource(creds),
		projectID: projectID,
		location:  location,
		logger:    logger,
	}, nil
}

type vertexContent struct {
	Role  string       `json:"role"`
	Parts []vertexPart `json:"parts"`
}

type vertexPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *vertexFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *vertexFuncResponse `json:"functionResponse,omitempty"`
}

type vertexFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type vertexFuncResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type vertexRequest struct {
	Contents         []vertexContent   `json:"contents"`
	SystemInstruction *vertexContent   `json:"systemInstruction,omitempty"`
	Tools            []vertexToolDecl  `json:"tools,omitempty"`
	GenerationConfig *vertexGenConfig  `json:"generationConfig,omitempty"`
}

type vertexToolDecl struct {
	FunctionDeclarations []vertexFuncDecl `json:"functionDeclarations"`
}

type vertexFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type vertexGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type vertexStreamChunk struct {
	Candidates []struct {
		Content      vertexContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (a *VertexAdapter) toRequest(req Request) vertexRequest {
	var vr vertexRequest
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			vr.SystemInstruction = &vertexContent{Role: "system", Parts: []vertexPart{{Text: m.Content}}}
		case RoleUser:
			vr.Contents = append(vr.Contents, vertexContent{Role: "user", Parts: []vertexPart{{Text: m.Content}}})
		case RoleAssistant:
			vr.Contents = append(vr.Contents, vertexContent{Role: "model", Parts: []vertexPart{{Text: m.Content}}})
		case RoleTool:
			vr.Contents = append(vr.Contents, vertexContent{Role: "function", Parts: []vertexPart{{
				FunctionResponse: &vertexFuncResponse{Name: m.Name, Response: json.RawMessage(`{"result":` + toJSONString(m.Content) + `}`)},
			}}})
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]vertexFuncDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, vertexFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		}
		vr.Tools = []vertexToolDecl{{FunctionDeclarations: decls}}
	}
	cfg := &vertexGenConfig{}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	vr.GenerationConfig = cfg
	return vr
}

func toJSONString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (a *VertexAdapter) endpoint(model string) string {
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:streamGenerateContent?alt=sse",
		a.location, a.projectID, a.location, model,
	)
}

// Stream issues req and decodes Vertex's SSE stream of partial
// GenerateContentResponse chunks into provider-neutral Events.
func (a *VertexAdapter) Stream(ctx context.Context, req Request, out chan<- Event) error {
	start := time.Now()
	defer func() {
		telemetry.LLMUpstreamRequestDuration.WithLabelValues("vertex").Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(a.toRequest(req))
	if err != nil {
		return err
	}

	token, err := a.tokenSrc.Token()
	if err != nil {
		out <- Error(ErrorUpstream, fmt.Sprintf("fetching vertex token: %v", err))
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(req.Model), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		out <- Error(ErrorUpstream, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("vertex returned status %s", resp.Status)
		out <- Error(ErrorUpstream, msg)
		return fmt.Errorf("%s", msg)
	}

	scanner := newSSEScanner(resp.Body)
	acc := newToolCallAccumulator()
	var textBuf []byte
	var finishReason string
	var usage *Usage
	callIndex := 0

	for {
		frame, err := scanner.next()
		if err != nil {
			break
		}
		if frame.data == "" {
			continue
		}
		var chunk vertexStreamChunk
		if uerr := json.Unmarshal([]byte(frame.data), &chunk); uerr != nil {
			a.logger.Warn("failed to parse vertex stream chunk", "error", uerr)
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					textBuf = append(textBuf, part.Text...)
					out <- TextDelta(part.Text)
				}
				if part.FunctionCall != nil {
					acc.start(callIndex, fmt.Sprintf("vertex-call-%d", callIndex), part.FunctionCall.Name)
					acc.append(callIndex, string(part.FunctionCall.Args))
					out <- ToolCallDelta(fmt.Sprintf("vertex-call-%d", callIndex), part.FunctionCall.Name, string(part.FunctionCall.Args))
					callIndex++
				}
			}
			if cand.FinishReason != "" {
				finishReason = cand.FinishReason
			}
		}
		if chunk.UsageMetadata.PromptTokenCount > 0 || chunk.UsageMetadata.CandidatesTokenCount > 0 {
			usage = &Usage{InputTokens: chunk.UsageMetadata.PromptTokenCount, OutputTokens: chunk.UsageMetadata.CandidatesTokenCount}
		}
	}

	toolCalls := acc.finish(func(id, name string) {
		a.logger.Warn("failed to parse vertex tool call arguments", "call_id", id, "tool", name)
	})
	out <- Completed(Response{
		Message:      Message{Role: RoleAssistant, Content: string(textBuf)},
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage:        usage,
	})
	return nil
}
