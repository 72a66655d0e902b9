// Package prompt validates caller input and builds the structured request
// payload. Everything here runs before encryption or network I/O: a rejected
// attachment is never partially transmitted.
package prompt

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ashureev/hostlink/internal/domain"
)

const (
	// MaxImageBytes bounds a single decoded attachment.
	MaxImageBytes = 10 << 20

	// DefaultMaxTokens is used when the caller does not set a budget.
	DefaultMaxTokens = 2048

	// DefaultTemperature is used when the caller does not set one.
	DefaultTemperature = 0.7
)

// ValidateImages checks a prompt's attachments. An explicitly supplied empty
// slice is rejected; omission (nil) is the "no images" signal and is handled
// by the caller before reaching here.
func ValidateImages(images []domain.ImageAttachment) error {
	if len(images) == 0 {
		return &domain.ValidationError{Field: "images", Reason: "empty image list"}
	}

	for i, img := range images {
		if !img.Format.Valid() {
			return &domain.ValidationError{
				Field:  fmt.Sprintf("images[%d].format", i),
				Reason: fmt.Sprintf("unsupported format %q", img.Format),
			}
		}
		if img.Data == "" {
			return &domain.ValidationError{
				Field:  fmt.Sprintf("images[%d].data", i),
				Reason: "empty image data",
			}
		}
		// Raw base64 only. A data: URI (or any scheme prefix) means the
		// caller double-encoded or passed a browser payload through.
		if hasURIScheme(img.Data) {
			return &domain.ValidationError{
				Field:  fmt.Sprintf("images[%d].data", i),
				Reason: "data must be raw base64 without a URI scheme prefix",
			}
		}
		decoded, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return &domain.ValidationError{
				Field:  fmt.Sprintf("images[%d].data", i),
				Reason: "data is not valid base64",
			}
		}
		if len(decoded) > MaxImageBytes {
			return &domain.ValidationError{
				Field:  fmt.Sprintf("images[%d].data", i),
				Reason: fmt.Sprintf("image is %d bytes, limit is %d", len(decoded), MaxImageBytes),
			}
		}
	}
	return nil
}

// BuildPayload assembles the generation request. Images appear in the
// payload only when non-empty; supportsImages reflects the session's
// transport mode (the legacy plaintext protocol has no attachment fields).
// A nil temperature selects the default; an explicit zero requests greedy
// decoding.
func BuildPayload(text string, images []domain.ImageAttachment, model string, maxTokens int, temperature *float64, stream, supportsImages bool) (domain.PromptPayload, error) {
	if strings.TrimSpace(text) == "" {
		return domain.PromptPayload{}, &domain.ValidationError{Field: "prompt", Reason: "empty prompt text"}
	}
	if model == "" {
		return domain.PromptPayload{}, &domain.ValidationError{Field: "model", Reason: "empty model name"}
	}

	if images != nil {
		if !supportsImages {
			return domain.PromptPayload{}, domain.ErrImagesNotSupported
		}
		if err := ValidateImages(images); err != nil {
			return domain.PromptPayload{}, err
		}
	}

	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temp := DefaultTemperature
	if temperature != nil {
		if *temperature < 0 {
			return domain.PromptPayload{}, &domain.ValidationError{Field: "temperature", Reason: "temperature cannot be negative"}
		}
		temp = *temperature
	}

	return domain.PromptPayload{
		Prompt:      text,
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temp,
		Stream:      stream,
		Images:      images,
	}, nil
}

// hasURIScheme reports whether the data carries a scheme prefix such as
// "data:image/png;base64," instead of raw base64.
func hasURIScheme(data string) bool {
	head := data
	if len(head) > 64 {
		head = head[:64]
	}
	colon := strings.IndexByte(head, ':')
	if colon <= 0 {
		return false
	}
	// Base64 alphabet has no ':'; anything scheme-shaped before one is a URI.
	for _, r := range head[:colon] {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '+' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}
