package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	openai "github.com/sashabaranov/go-openai"
)

const openAIChunkBytes = 8192

// The speech endpoint emits pcm at a fixed rate.
const openAISampleRate = 24000

type openAISynth struct {
	client       *openai.Client
	model        openai.SpeechModel
	voice        openai.SpeechVoice
	speed        float64
	instructions string
	chunk        int
}

// OpenAIFamily builds adapters for the hosted speech endpoint. The record's
// class names the voice; config keys "model", "speed" and "instructions" are
// passed through.
func OpenAIFamily(cfg config.OpenAIConfig) Family {
	return Family{
		Name:        "openai",
		Encodings:   []audio.Encoding{audio.EncodingPCM, audio.EncodingWAV, audio.EncodingMP3},
		SampleRates: []int{openAISampleRate},
		New: func(_ context.Context, rec voice.Record) (Adapter, error) {
			return NewOpenAISynth(cfg, rec)
		},
	}
}

func NewOpenAISynth(cfg config.OpenAIConfig, rec voice.Record) (Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	speed := 1.0
	if raw := rec.ConfigValue("speed", ""); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0.25 || parsed > 4 {
			return nil, fmt.Errorf("openai speed %q must be between 0.25 and 4", raw)
		}
		speed = parsed
	}
	model := rec.ConfigValue("model", cfg.Model)
	if model == "" {
		model = string(openai.TTSModel1)
	}
	voiceName := rec.Class
	if voiceName == "" {
		voiceName = string(openai.VoiceAlloy)
	}
	return &openAISynth{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        openai.SpeechModel(model),
		voice:        openai.SpeechVoice(voiceName),
		speed:        speed,
		instructions: rec.ConfigValue("instructions", ""),
		chunk:        openAIChunkBytes,
	}, nil
}

func (o *openAISynth) SupportsEvents() bool { return false }

func (o *openAISynth) Close() error { return nil }

func (o *openAISynth) Synthesize(ctx context.Context, req Request, emit Emit) error {
	var format openai.SpeechResponseFormat
	switch req.Format.Encoding {
	case audio.EncodingPCM:
		format = openai.SpeechResponseFormatPcm
	case audio.EncodingWAV:
		format = openai.SpeechResponseFormatWav
	case audio.EncodingMP3:
		format = openai.SpeechResponseFormatMp3
	default:
		return fmt.Errorf("openai cannot produce %s", req.Format.Encoding)
	}

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          req.Text,
		Voice:          o.voice,
		Instructions:   o.instructions,
		ResponseFormat: format,
		Speed:          o.speed,
	})
	if err != nil {
		return fmt.Errorf("openai create speech: %w", err)
	}
	defer resp.Close()

	return streamBody(resp, o.chunk, emit)
}

// streamBody forwards r to emit in fixed-size pieces as it arrives.
func streamBody(r io.Reader, size int, emit Emit) error {
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if emitErr := emit(Item{Audio: append([]byte(nil), buf[:n]...)}); emitErr != nil {
				return emitErr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio stream: %w", err)
		}
	}
}
