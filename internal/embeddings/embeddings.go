package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/types"
)

type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

type ollamaHTTP struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

type ollamaReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResp struct {
	Embedding []float32 `json:"embedding"`
}

func (o *ollamaHTTP) Embed(ctx context.Context, text string) ([]float32, error) {
	o.logger.Debug("Generating embedding",
		zap.String("model", o.model),
		zap.Int("text_length", len(text)))

	b, err := json.Marshal(ollamaReq{Model: o.model, Prompt: text})
	if err != nil {
		return nil, types.Permanent("embed", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, types.Permanent("embed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.http.Do(req)
	if err != nil {
		o.logger.Error("Failed to send embedding request", zap.Error(err))
		return nil, types.Transient("embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&msg)
		o.logger.Error("Ollama embedding failed",
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg.Error))
		err := fmt.Errorf("ollama embed failed: status %d: %s", resp.StatusCode, msg.Error)
		return nil, classifyStatus(resp.StatusCode, err)
	}

	var r ollamaResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		o.logger.Error("Failed to decode embedding response", zap.Error(err))
		return nil, types.Transient("embed", err)
	}
	if len(r.Embedding) == 0 {
		return nil, types.Permanent("embed", types.ErrEmptyVector)
	}

	o.logger.Debug("Embedding generated successfully",
		zap.Int("vector_dim", len(r.Embedding)),
		zap.Duration("duration", time.Since(start)))

	return r.Embedding, nil
}

// classifyStatus treats throttling and server faults as retryable and every
// other rejection as a verdict on the input itself.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return types.Transient("embed", err)
	default:
		return types.Permanent("embed", err)
	}
}

func (o *ollamaHTTP) Close() error { return nil }

func NewProvider(ec config.EmbedConfig, logger *zap.Logger) (Provider, error) {
	logger.Info("Creating embeddings provider",
		zap.String("provider", ec.Provider),
		zap.String("model", ec.Model),
		zap.String("url", ec.URL))

	if ec.Provider == "gorag_ollama" || ec.Provider == "ollama_http" || ec.Provider == "ollama" {
		provider := &ollamaHTTP{
			baseURL: ec.URL,
			model:   ec.Model,
			http:    &http.Client{Timeout: time.Duration(ec.TimeoutMs) * time.Millisecond},
			logger:  logger,
		}
		logger.Info("Ollama HTTP provider created successfully")
		return provider, nil
	}

	logger.Error("Unknown embedding provider", zap.String("provider", ec.Provider))
	return nil, errors.New("unknown embed provider")
}
