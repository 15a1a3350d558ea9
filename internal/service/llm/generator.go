// Package llm defines the text generation capability consumed by the document
// engine and its providers.
package llm

import (
	"context"

	"github.com/go-playground/validator/v10"

	pkgerrors "loom-backend/pkg/errors"
)

// Generator produces continuations of a prompt.
type Generator interface {
	// Complete returns up to settings.NumContinuations continuations, in
	// request order.
	Complete(ctx context.Context, prompt string, settings Settings) ([]string, error)
	// TopTokens returns the k most likely next tokens mapped to their
	// log-probabilities.
	TopTokens(ctx context.Context, prompt string, k int) (map[string]float64, error)
	// Name identifies the provider in logs and errors.
	Name() string
}

// Settings configures a completion request.
type Settings struct {
	Model            string         `yaml:"model" json:"model" validate:"required"`
	MaxTokens        int            `yaml:"max_tokens" json:"max_tokens" validate:"min=1,max=4096"`
	NumContinuations int            `yaml:"num_continuations" json:"num_continuations" validate:"min=1,max=16"`
	Temperature      float64        `yaml:"temperature" json:"temperature" validate:"min=0,max=2"`
	TopP             float64        `yaml:"top_p" json:"top_p" validate:"gt=0,max=1"`
	Stop             []string       `yaml:"stop" json:"stop,omitempty" validate:"max=4"`
	LogitBias        map[string]int `yaml:"logit_bias" json:"logit_bias,omitempty" validate:"dive,min=-100,max=100"`
	// PromptLength caps the prompt to the last PromptLength characters of the
	// ancestry text. Zero means no cap.
	PromptLength int `yaml:"prompt_length" json:"prompt_length" validate:"min=0"`
	// Template optionally wraps the prompt; see internal/domain/template.
	Template string `yaml:"template" json:"template,omitempty"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Model:            "davinci-002",
		MaxTokens:        64,
		NumContinuations: 4,
		Temperature:      0.9,
		TopP:             1,
		PromptLength:     6000,
	}
}

var validate = validator.New()

// Validate checks the settings ranges.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return pkgerrors.NewValidationError("invalid generation settings").WithCause(err)
	}
	return nil
}
