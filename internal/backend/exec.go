package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	"github.com/mattn/go-shellwords"
)

// execSynth runs an external synthesizer once per request. The command gets
// a JSON request on stdin and answers with JSON lines on stdout.
type execSynth struct {
	cmd    []string
	env    []string
	events bool
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string     `json:"pcm_base64"`
	Event     *execEvent `json:"event,omitempty"`
	Final     bool       `json:"final"`
}

type execEvent struct {
	Kind       string `json:"kind"`
	OffsetMS   int64  `json:"offset_ms"`
	TextOffset int    `json:"text_offset"`
	TextLength int    `json:"text_length"`
	Text       string `json:"text"`
}

const maxExecLine = 4 << 20

func ExecFamily() Family {
	return Family{
		Name:      "exec",
		Encodings: []audio.Encoding{audio.EncodingPCM},
		Events:    true,
		EventsFor: execEvents,
		New:       NewExecSynth,
	}
}

// execEvents reports whether the command was declared to print word events.
func execEvents(rec voice.Record) bool {
	return rec.ConfigValue("events", "false") == "true"
}

// NewExecSynth parses the record's "command" config and resolves the
// executable against the record's search paths followed by PATH.
func NewExecSynth(_ context.Context, rec voice.Record) (Adapter, error) {
	command := rec.ConfigValue("command", "")
	if command == "" {
		return nil, fmt.Errorf("exec voice %s has no command configured", rec.Token)
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}

	path := os.Getenv("PATH")
	if len(rec.SearchPaths) > 0 {
		path = strings.Join(append(append([]string{}, rec.SearchPaths...), path), string(os.PathListSeparator))
	}
	resolved, err := lookPath(args[0], path)
	if err != nil {
		return nil, err
	}
	args[0] = resolved

	env := append(os.Environ(), "PATH="+path)
	return &execSynth{
		cmd:    args,
		env:    env,
		events: execEvents(rec),
	}, nil
}

func lookPath(name, path string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("tts command %s: %w", name, err)
		}
		return name, nil
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("tts command %s not found in search paths", name)
}

func (e *execSynth) SupportsEvents() bool { return e.events }

func (e *execSynth) Close() error { return nil }

func (e *execSynth) Synthesize(ctx context.Context, req Request, emit Emit) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: req.Format.SampleRate,
		Channels:   req.Format.Channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Env = e.env
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxExecLine)
	streamErr := e.pump(scanner, emit)
	if streamErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case errors.Is(streamErr, ErrStopped):
		return ErrStopped
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("tts command failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("tts command failed: %w", waitErr)
	}
	return nil
}

func (e *execSynth) pump(scanner *bufio.Scanner, emit Emit) error {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode tts output: %w", err)
		}
		if resp.Event != nil && e.events {
			evt := &Event{
				Kind:       resp.Event.Kind,
				OffsetMS:   resp.Event.OffsetMS,
				TextOffset: resp.Event.TextOffset,
				TextLength: resp.Event.TextLength,
				Text:       resp.Event.Text,
			}
			if evt.Kind == "" {
				evt.Kind = EventWord
			}
			if err := emit(Item{Event: evt}); err != nil {
				return err
			}
		}
		if resp.PCMBase64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				return fmt.Errorf("decode tts audio: %w", err)
			}
			if err := emit(Item{Audio: pcm}); err != nil {
				return err
			}
		}
		if resp.Final {
			return nil
		}
	}
	return scanner.Err()
}
