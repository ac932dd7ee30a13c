package backend

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Per-message framing overhead and reply priming, matching the chat
// completion token accounting for cl100k-family models.
const (
	tokensPerMessage = 4
	tokensPerReply   = 2
)

// TokenCounter estimates prompt tokens for budget reservation.
type TokenCounter interface {
	CountMessages(messages []ChatMessage) int
}

// tiktokenCounter counts with an encoding matched to the model.
type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the model, falling back to the
// cl100k_base encoding for models tiktoken does not know.
func NewTokenCounter(modelName string) (TokenCounter, error) {
	encoding, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer for %s: %w", modelName, err)
		}
	}
	return &tiktokenCounter{encoding: encoding}, nil
}

// CountMessages estimates the prompt token footprint of a chat request.
func (c *tiktokenCounter) CountMessages(messages []ChatMessage) int {
	total := tokensPerReply
	for _, m := range messages {
		total += tokensPerMessage + len(c.encoding.Encode(m.Content, nil, nil))
	}
	return total
}

// Ensure tiktokenCounter implements TokenCounter.
var _ TokenCounter = (*tiktokenCounter)(nil)
