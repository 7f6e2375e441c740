package ai

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/pkg/errors"
)

// Service wraps a single OpenAI client for the three upstream calls the
// pipeline makes: chat completions, audio transcription and image
// generation.
type Service struct {
	client *openai.Client
	logger *log.Logger
}

func NewOpenAIService(logger *log.Logger, apiKey string, baseURL string) *Service {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &Service{
		client: &client,
		logger: logger,
	}
}

// Completion runs a single system+user chat exchange and returns the
// assistant's text content.
func (s *Service) Completion(ctx context.Context, system, user, model string) (string, error) {
	completion, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:       model,
		Temperature: param.Opt[float64]{Value: 1.0},
	})
	if err != nil {
		return "", err
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no completion choices")
	}

	return completion.Choices[0].Message.Content, nil
}

// TranscribeFile sends one audio segment file to the transcription model
// and returns the recognized text.
func (s *Service) TranscribeFile(ctx context.Context, path, model string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open audio file")
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			s.logger.Warn("Failed to close audio file", "path", path, "error", closeErr)
		}
	}()

	transcription, err := s.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  file,
		Model: openai.AudioModel(model),
	})
	if err != nil {
		return "", errors.Wrap(err, "transcription request failed")
	}

	return transcription.Text, nil
}

// GenerateImage creates one image for the prompt and returns the URL of
// the generated artifact.
func (s *Service) GenerateImage(ctx context.Context, prompt, model string) (string, error) {
	resp, err := s.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(model),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
		N:              param.Opt[int64]{Value: 1},
	})
	if err != nil {
		return "", errors.Wrap(err, "image generation request failed")
	}

	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("image generation returned no artifact")
	}

	return resp.Data[0].URL, nil
}
