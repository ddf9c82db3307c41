package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	tts "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"
)

// yandexSynth streams utterances from SpeechKit v3. The gRPC connection is
// the warm state kept by a pool handle.
type yandexSynth struct {
	client   tts.SynthesizerClient
	conn     *grpc.ClientConn
	apiKey   string
	folderID string
	model    string
	voice    string
	speed    float64
	volume   float64
}

// YandexFamily builds SpeechKit adapters. The record's class names the
// voice; config keys "model", "speed" and "volume" become synthesis hints.
func YandexFamily(cfg config.YandexConfig) Family {
	return Family{
		Name:      "yandex",
		Encodings: []audio.Encoding{audio.EncodingWAV, audio.EncodingMP3},
		New: func(_ context.Context, rec voice.Record) (Adapter, error) {
			return NewYandexSynth(cfg, rec)
		},
	}
}

func NewYandexSynth(cfg config.YandexConfig, rec voice.Record) (Adapter, error) {
	if cfg.APIKey == "" || cfg.FolderID == "" {
		return nil, errors.New("yandex api key and folder id must be configured")
	}
	speed := 1.0
	if raw := rec.ConfigValue("speed", ""); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("yandex speed %q: %w", raw, err)
		}
		speed = parsed
	}
	volume := 0.0
	if raw := rec.ConfigValue("volume", ""); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("yandex volume %q: %w", raw, err)
		}
		volume = parsed
	}

	creds := credentials.NewTLS(&tls.Config{})
	conn, err := grpc.Dial(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS service: %w", err)
	}

	voiceName := rec.Class
	if voiceName == "" {
		voiceName = "marina"
	}
	return &yandexSynth{
		client:   tts.NewSynthesizerClient(conn),
		conn:     conn,
		apiKey:   cfg.APIKey,
		folderID: cfg.FolderID,
		model:    rec.ConfigValue("model", "general"),
		voice:    voiceName,
		speed:    speed,
		volume:   volume,
	}, nil
}

func (y *yandexSynth) SupportsEvents() bool { return false }

func (y *yandexSynth) Close() error {
	return y.conn.Close()
}

func (y *yandexSynth) Synthesize(ctx context.Context, req Request, emit Emit) error {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Api-Key "+y.apiKey)
	ctx = metadata.AppendToOutgoingContext(ctx, "x-folder-id", y.folderID)

	stream, err := y.client.UtteranceSynthesis(ctx, y.buildRequest(req))
	if err != nil {
		return fmt.Errorf("failed to start synthesis: %w", err)
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive audio data: %w", err)
		}
		if chunk := resp.GetAudioChunk(); chunk != nil && len(chunk.GetData()) > 0 {
			if err := emit(Item{Audio: chunk.GetData()}); err != nil {
				return err
			}
		}
	}
}

func (y *yandexSynth) buildRequest(req Request) *tts.UtteranceSynthesisRequest {
	out := &tts.UtteranceSynthesisRequest{}
	out.SetModel(y.model)
	out.SetText(req.Text)

	voiceHint := &tts.Hints{}
	voiceHint.SetVoice(y.voice)
	speedHint := &tts.Hints{}
	speedHint.SetSpeed(y.speed)
	volumeHint := &tts.Hints{}
	volumeHint.SetVolume(y.volume)
	out.SetHints([]*tts.Hints{voiceHint, speedHint, volumeHint})

	container := &tts.ContainerAudio{}
	if req.Format.Encoding == audio.EncodingMP3 {
		container.SetContainerAudioType(tts.ContainerAudio_MP3)
	} else {
		container.SetContainerAudioType(tts.ContainerAudio_WAV)
	}
	audioSpec := &tts.AudioFormatOptions{}
	audioSpec.SetContainerAudio(container)
	out.SetOutputAudioSpec(audioSpec)
	out.SetLoudnessNormalizationType(tts.UtteranceSynthesisRequest_LUFS)
	return out
}
