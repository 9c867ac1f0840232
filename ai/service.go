package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
	"videosearch/retry"
)

// ErrEmptyText is returned when asked to embed empty or whitespace-only text.
var ErrEmptyText = errors.New("cannot embed empty text")

// Service is the embedding and transcription capability.
type Service interface {
	// EmbedImage returns a fixed-length vector for a frame image.
	EmbedImage(ctx context.Context, imagePath string) ([]float32, error)
	// EmbedText returns a vector for passage text. Fails on empty text.
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// EmbedQuery returns a vector for a search query. Fails on empty query.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	// Transcribe turns an audio file into ordered, timestamped segments.
	Transcribe(ctx context.Context, audioPath string) ([]core.TranscriptSegment, error)
}

// OpenAIService implements Service against an OpenAI-compatible endpoint.
// Image embedding is two-step: a vision model describes the frame, then the
// description is embedded, so visual and text vectors share one space.
type OpenAIService struct {
	cli            *openai.Client
	embeddingModel string
	visionModel    string
	whisperModel   string
	policy         retry.Policy
	log            *logging.Logger
}

// NewOpenAIService builds the client from config.
func NewOpenAIService(cfg *config.Config, policy retry.Policy, log *logging.Logger) *OpenAIService {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIService{
		cli:            openai.NewClientWithConfig(clientConfig),
		embeddingModel: cfg.EmbeddingModel,
		visionModel:    cfg.VisionModel,
		whisperModel:   cfg.WhisperModel,
		policy:         policy,
		log:            log,
	}
}

func (s *OpenAIService) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	description, err := s.describeImage(ctx, imagePath)
	if err != nil {
		return nil, fmt.Errorf("describe image: %w", err)
	}
	return s.EmbedText(ctx, description)
}

func (s *OpenAIService) describeImage(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)

	var description string
	err = s.policy.Do(ctx, func() error {
		resp, err := s.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: s.visionModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{
							Type: openai.ChatMessagePartTypeText,
							Text: "Describe this image in detail, focusing on the main subjects, actions, and environment.",
						},
						{
							Type:     openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
						},
					},
				},
			},
			MaxTokens: 300,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no choices returned")
		}
		description = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	if description == "" {
		return "", errors.New("empty image description")
	}
	return description, nil
}

func (s *OpenAIService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return s.embed(ctx, text)
}

func (s *OpenAIService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return s.embed(ctx, query)
}

func (s *OpenAIService) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	var vector []float32
	err := s.policy.Do(ctx, func() error {
		resp, err := s.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(s.embeddingModel),
			Input: []string{text},
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return errors.New("no embeddings returned")
		}
		vector = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding API failed: %w", err)
	}
	return vector, nil
}

func (s *OpenAIService) Transcribe(ctx context.Context, audioPath string) ([]core.TranscriptSegment, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	var resp openai.AudioResponse
	err := s.policy.Do(ctx, func() error {
		var err error
		resp, err = s.cli.CreateTranscription(ctx, openai.AudioRequest{
			Model:    s.whisperModel,
			FilePath: audioPath,
			Format:   openai.AudioResponseFormatVerboseJSON,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	segments := make([]core.TranscriptSegment, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, core.TranscriptSegment{
			Start: seg.Start,
			End:   seg.End,
			Text:  text,
		})
	}
	s.log.Infof("transcribed %s into %d segments", audioPath, len(segments))
	return segments, nil
}
