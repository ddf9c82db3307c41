package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Host function result codes.
const (
	EmitOK      = 0
	EmitStopped = 1
	EmitErr     = 2
)

// wasmSynth runs a WebAssembly synthesizer. The module is compiled once per
// adapter and instantiated per request; it reads the JSON request from
// stdin and hands audio back through the env.host_emit import.
type wasmSynth struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	entry    string
	env      map[string]string
	log      *slog.Logger
}

type emitterKey struct{}

type wasmCall struct {
	emit Emit
	err  error
}

// WasmFamily builds adapters from the record's "module" config (a .wasm path,
// resolved against the record's search paths) and optional "entrypoint"
// (default "synthesize").
func WasmFamily(log *slog.Logger) Family {
	return Family{
		Name:      "wasm",
		Encodings: []audio.Encoding{audio.EncodingPCM},
		Events:    true,
		New: func(ctx context.Context, rec voice.Record) (Adapter, error) {
			return NewWasmSynth(ctx, rec, log)
		},
	}
}

func NewWasmSynth(ctx context.Context, rec voice.Record, log *slog.Logger) (Adapter, error) {
	path, err := resolveModule(rec)
	if err != nil {
		return nil, err
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return newWasmSynthFromBytes(ctx, rec, wasmBytes, log)
}

func newWasmSynthFromBytes(ctx context.Context, rec voice.Record, wasmBytes []byte, log *slog.Logger) (*wasmSynth, error) {
	log = log.With(slog.String("component", "wasm-backend"), slog.String("voice", rec.Token))
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := instantiateHostModule(ctx, rt, log); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	entry := rec.ConfigValue("entrypoint", "synthesize")
	if _, ok := compiled.ExportedFunctions()[entry]; !ok {
		rt.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", entry)
	}
	env := map[string]string{}
	for k, v := range rec.Config {
		env["VOICE_"+k] = v
	}
	return &wasmSynth{rt: rt, compiled: compiled, entry: entry, env: env, log: log}, nil
}

func resolveModule(rec voice.Record) (string, error) {
	name := rec.ConfigValue("module", "")
	if name == "" {
		return "", errors.New("wasm voice has no module configured")
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range rec.SearchPaths {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return name, nil
}

func (w *wasmSynth) SupportsEvents() bool { return true }

func (w *wasmSynth) Close() error {
	return w.rt.Close(context.Background())
}

func (w *wasmSynth) Synthesize(ctx context.Context, req Request, emit Emit) error {
	input, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: req.Format.SampleRate,
		Channels:   req.Format.Channels,
	})
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdin(bytes.NewReader(input)).
		WithStdout(io.Discard).
		WithStderr(&stderr)
	for k, v := range w.env {
		cfg = cfg.WithEnv(k, v)
	}

	call := &wasmCall{emit: emit}
	ctx = context.WithValue(ctx, emitterKey{}, call)

	mod, err := w.rt.InstantiateModule(ctx, w.compiled, cfg)
	if err != nil {
		return Fatal(fmt.Errorf("instantiate module: %w", err))
	}
	defer mod.Close(context.Background())

	fn := mod.ExportedFunction(w.entry)
	_, callErr := fn.Call(ctx)
	if errors.Is(call.err, ErrStopped) {
		return ErrStopped
	}
	if callErr != nil {
		if ctx.Err() != nil {
			return ErrStopped
		}
		if msg := stderr.String(); msg != "" {
			return fmt.Errorf("wasm synthesizer: %w: %s", callErr, msg)
		}
		return fmt.Errorf("wasm synthesizer: %w", callErr)
	}
	return call.err
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		data, ok := readGuest(mod, stack[0], stack[1])
		if !ok || len(data) == 0 {
			return
		}
		logger.Info("synthesizer log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostEmitFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = api.EncodeI32(int32(deliver(ctx, mod, stack[0], stack[1], func(data []byte) (Item, error) {
			return Item{Audio: append([]byte(nil), data...)}, nil
		})))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostEmitFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_emit").
		WithResultNames("code").
		Export("host_emit")

	hostEventFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = api.EncodeI32(int32(deliver(ctx, mod, stack[0], stack[1], func(data []byte) (Item, error) {
			var evt execEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				return Item{}, err
			}
			if evt.Kind == "" {
				evt.Kind = EventWord
			}
			return Item{Event: &Event{
				Kind:       evt.Kind,
				OffsetMS:   evt.OffsetMS,
				TextOffset: evt.TextOffset,
				TextLength: evt.TextLength,
				Text:       evt.Text,
			}}, nil
		})))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostEventFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_event").
		WithResultNames("code").
		Export("host_event")

	_, err := builder.Instantiate(ctx)
	return err
}

func readGuest(mod api.Module, ptrArg, lenArg uint64) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	return mem.Read(api.DecodeU32(ptrArg), api.DecodeU32(lenArg))
}

// deliver forwards guest memory to the emitter of the call in ctx.
func deliver(ctx context.Context, mod api.Module, ptr, length uint64, decode func([]byte) (Item, error)) int {
	call, _ := ctx.Value(emitterKey{}).(*wasmCall)
	if call == nil {
		return EmitErr
	}
	if call.err != nil {
		return EmitStopped
	}
	data, ok := readGuest(mod, ptr, length)
	if !ok {
		return EmitErr
	}
	item, err := decode(data)
	if err != nil {
		return EmitErr
	}
	if err := call.emit(item); err != nil {
		call.err = err
		return EmitStopped
	}
	return EmitOK
}
