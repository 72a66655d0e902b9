package prompt

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/hostlink/internal/domain"
)

func encodedImage(size int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, size))
}

func TestValidateImages(t *testing.T) {
	tests := []struct {
		name    string
		images  []domain.ImageAttachment
		wantErr bool
	}{
		{
			name:    "empty list rejected",
			images:  []domain.ImageAttachment{},
			wantErr: true,
		},
		{
			name: "valid 1MB png accepted",
			images: []domain.ImageAttachment{
				{Data: encodedImage(1 << 20), Format: domain.FormatPNG},
			},
			wantErr: false,
		},
		{
			name: "10.1MB image rejected",
			images: []domain.ImageAttachment{
				{Data: encodedImage(10*(1<<20) + 100*1024), Format: domain.FormatPNG},
			},
			wantErr: true,
		},
		{
			name: "exactly 10MB accepted",
			images: []domain.ImageAttachment{
				{Data: encodedImage(10 << 20), Format: domain.FormatJPEG},
			},
			wantErr: false,
		},
		{
			name: "data URI prefix rejected",
			images: []domain.ImageAttachment{
				{Data: "data:image/png;base64," + encodedImage(128), Format: domain.FormatPNG},
			},
			wantErr: true,
		},
		{
			name: "bmp format rejected",
			images: []domain.ImageAttachment{
				{Data: encodedImage(128), Format: domain.ImageFormat("bmp")},
			},
			wantErr: true,
		},
		{
			name: "invalid base64 rejected",
			images: []domain.ImageAttachment{
				{Data: "not*valid*base64!!", Format: domain.FormatGIF},
			},
			wantErr: true,
		},
		{
			name: "empty data rejected",
			images: []domain.ImageAttachment{
				{Data: "", Format: domain.FormatWebP},
			},
			wantErr: true,
		},
		{
			name: "second image invalid rejects the batch",
			images: []domain.ImageAttachment{
				{Data: encodedImage(128), Format: domain.FormatPNG},
				{Data: encodedImage(128), Format: domain.ImageFormat("tiff")},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImages(tt.images)
			if tt.wantErr {
				var valErr *domain.ValidationError
				if !errors.As(err, &valErr) {
					t.Errorf("ValidateImages = %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateImages = %v, want nil", err)
			}
		})
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestBuildPayload_Defaults(t *testing.T) {
	payload, err := BuildPayload("hello", nil, "llama3.1:8b", 0, nil, true, true)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}

	if payload.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", payload.MaxTokens, DefaultMaxTokens)
	}
	if payload.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", payload.Temperature, DefaultTemperature)
	}
	if !payload.Stream {
		t.Error("Stream = false, want true")
	}
	if payload.Images != nil {
		t.Error("Images should be omitted when none supplied")
	}
}

func TestBuildPayload_ExplicitZeroTemperature(t *testing.T) {
	payload, err := BuildPayload("hello", nil, "llama3.1:8b", 0, floatPtr(0), false, true)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if payload.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0 (greedy decoding)", payload.Temperature)
	}

	_, err = BuildPayload("hello", nil, "llama3.1:8b", 0, floatPtr(-0.5), false, true)
	var valErr *domain.ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("BuildPayload with negative temperature = %v, want ValidationError", err)
	}
}

func TestBuildPayload_EmptyPrompt(t *testing.T) {
	_, err := BuildPayload("   ", nil, "llama3.1:8b", 0, nil, true, true)
	var valErr *domain.ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("BuildPayload with blank prompt = %v, want ValidationError", err)
	}
}

func TestBuildPayload_ImagesOnUnsupportedMode(t *testing.T) {
	images := []domain.ImageAttachment{
		{Data: encodedImage(128), Format: domain.FormatPNG},
	}
	_, err := BuildPayload("describe this", images, "llava:13b", 0, nil, true, false)
	if !errors.Is(err, domain.ErrImagesNotSupported) {
		t.Errorf("BuildPayload = %v, want ErrImagesNotSupported", err)
	}
}

func TestBuildPayload_CarriesImages(t *testing.T) {
	images := []domain.ImageAttachment{
		{Data: encodedImage(256), Format: domain.FormatJPEG},
	}
	payload, err := BuildPayload("describe this", images, "llava:13b", 512, floatPtr(0.2), false, true)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if len(payload.Images) != 1 {
		t.Fatalf("Images length = %d, want 1", len(payload.Images))
	}
	if payload.MaxTokens != 512 || payload.Temperature != 0.2 || payload.Stream {
		t.Errorf("payload parameters not preserved: %+v", payload)
	}
}

func TestHasURIScheme(t *testing.T) {
	tests := []struct {
		data string
		want bool
	}{
		{"data:image/png;base64,AAAA", true},
		{"https://example.com/cat.png", true},
		{encodedImage(64), false},
		{"AAAA====", false},
		{strings.Repeat("A", 100), false},
	}
	for _, tt := range tests {
		if got := hasURIScheme(tt.data); got != tt.want {
			t.Errorf("hasURIScheme(%.30q) = %v, want %v", tt.data, got, tt.want)
		}
	}
}
