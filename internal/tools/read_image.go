package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/internal/providers"
)

// Images larger than this edge are downscaled before the vision call; most
// providers reject or silently crop anything bigger.
const maxVisionEdge = 1568

const ctxMediaImages toolContextKey = "tool_media_images"

// WithMediaImages stores the current message's images for read_image.
func WithMediaImages(ctx context.Context, images []providers.ImageContent) context.Context {
	return context.WithValue(ctx, ctxMediaImages, images)
}

func MediaImagesFromCtx(ctx context.Context) []providers.ImageContent {
	v, _ := ctx.Value(ctxMediaImages).([]providers.ImageContent)
	return v
}

// ReadImageTool describes attached images through the vision role chain.
type ReadImageTool struct {
	router *llm.Router
}

func NewReadImageTool(router *llm.Router) *ReadImageTool {
	return &ReadImageTool{router: router}
}

func (t *ReadImageTool) Name() string { return "read_image" }

func (t *ReadImageTool) Description() string {
	return "Analyze images attached to the current message using a vision model. Use this when the message mentions an image you cannot see directly."
}

func (t *ReadImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "What you want to know about the image(s)",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *ReadImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt = "Describe this image in detail."
	}

	images := MediaImagesFromCtx(ctx)
	if len(images) == 0 {
		return ErrorResult("No images available in this conversation. The user may not have sent an image.")
	}

	scaled := make([]providers.ImageContent, 0, len(images))
	for _, img := range images {
		scaled = append(scaled, downscaleForVision(img))
	}

	res, err := t.router.Chat(ctx, "vision", providers.ChatRequest{
		Messages: []providers.Message{{
			Role:    "user",
			Content: prompt,
			Images:  scaled,
		}},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.3,
		},
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("vision call failed: %v", err))
	}

	result := NewResult(res.Response.Content)
	result.Usage = res.Response.Usage
	result.Model = res.Model
	return result
}

// downscaleForVision shrinks oversized images, preserving aspect ratio. On
// any decode trouble the original rides through untouched.
func downscaleForVision(img providers.ImageContent) providers.ImageContent {
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return img
	}
	decoded, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return img
	}
	bounds := decoded.Bounds()
	if bounds.Dx() <= maxVisionEdge && bounds.Dy() <= maxVisionEdge {
		return img
	}

	resized := imaging.Fit(decoded, maxVisionEdge, maxVisionEdge, imaging.Lanczos)

	var buf bytes.Buffer
	encFormat := imaging.PNG
	mime := "image/png"
	if format == "jpeg" {
		encFormat = imaging.JPEG
		mime = "image/jpeg"
	}
	if err := imaging.Encode(&buf, resized, encFormat); err != nil {
		return img
	}
	slog.Debug("read_image.downscaled",
		"from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"to", fmt.Sprintf("%dx%d", resized.Bounds().Dx(), resized.Bounds().Dy()),
	)
	return providers.ImageContent{MimeType: mime, Data: base64.StdEncoding.EncodeToString(buf.Bytes())}
}
