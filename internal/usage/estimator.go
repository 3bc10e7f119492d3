package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"inference-gateway/internal/models"
)

// Estimator approximates token counts when an upstream omits usage.
type Estimator interface {
	CountTokens(text string) int
}

// TiktokenEstimator counts with the cl100k_base encoding, falling back to a
// four-bytes-per-token heuristic if the encoding cannot be loaded.
type TiktokenEstimator struct {
	logger *zap.Logger
	once   sync.Once
	enc    *tiktoken.Tiktoken
}

// NewTiktokenEstimator returns an estimator that loads its encoding lazily.
func NewTiktokenEstimator(logger *zap.Logger) *TiktokenEstimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenEstimator{logger: logger}
}

func (e *TiktokenEstimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.logger.Warn("tiktoken encoding unavailable, using byte heuristic", zap.Error(err))
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return HeuristicCount(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// HeuristicCount estimates roughly four bytes per token.
func HeuristicCount(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// HeuristicEstimator implements Estimator with HeuristicCount.
type HeuristicEstimator struct{}

func (HeuristicEstimator) CountTokens(text string) int {
	return HeuristicCount(text)
}

// EstimatePrompt counts the tokens of every message and tool definition in req.
func EstimatePrompt(e Estimator, req models.ChatRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += e.CountTokens(msg.Text())
		for _, call := range msg.ToolCalls {
			total += e.CountTokens(call.Function.Name) + e.CountTokens(call.Function.Arguments)
		}
	}
	for _, tool := range req.Tools {
		total += e.CountTokens(tool.Name) + e.CountTokens(tool.Description) + e.CountTokens(string(tool.Parameters))
	}
	return total
}
