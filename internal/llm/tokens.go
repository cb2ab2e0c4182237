package llm

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var setLoaderOnce sync.Once

func ensureOfflineLoader() {
	setLoaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
}

// EstimateTokens estimates the token count of text using the cl100k_base
// encoding, for the generator's prompt-budget cross-check (spec §9 Domain
// Stack: tiktoken repurposed from embedding-cost to prompt-budget
// estimation). Returns 0 if the encoding cannot be loaded.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	ensureOfflineLoader()
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Error("failed to get tiktoken encoding", slog.Any("error", err))
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}
