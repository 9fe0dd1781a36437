// Package ai holds the chat completion clients behind the portal agents.
package ai

import (
	"context"
	"errors"
	"strings"
)

// Sampling defaults used by every agent.
const (
	DefaultTemperature = 0.6
	DefaultTopP        = 0.95
)

// ErrEmptyResponse is returned when the provider produced no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Turn is one prior exchange in a conversation.
type Turn struct {
	// Role is "user" or "model".
	Role string
	Text string
}

// ChatRequest is one completion call. Image is optional base64 JPEG data and
// may carry a data URL prefix.
type ChatRequest struct {
	System      string
	History     []Turn
	Text        string
	Image       string
	Temperature float32
	TopP        float32
}

// ChatGenerator produces the next model turn.
type ChatGenerator interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

func (r ChatRequest) sampling() (float32, float32) {
	temp, topP := r.Temperature, r.TopP
	if temp <= 0 {
		temp = DefaultTemperature
	}
	if topP <= 0 {
		topP = DefaultTopP
	}
	return temp, topP
}

// StripDataURL drops a "data:image/...;base64," prefix.
func StripDataURL(image string) string {
	image = strings.TrimSpace(image)
	if !strings.HasPrefix(image, "data:") {
		return image
	}
	if i := strings.Index(image, ","); i >= 0 {
		return image[i+1:]
	}
	return image
}
