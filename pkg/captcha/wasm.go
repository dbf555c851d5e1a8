package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMClassifier runs a user-supplied image classifier compiled to WASM.
// The module is instantiated once per run (model load is expensive) and
// reused across challenges. It must export:
//
//	classify(ptr: u32, len: u32) -> u64   // (out_ptr << 32) | out_len
//	malloc(size: u32) -> u32
//	free(ptr: u32)
//
// classify receives the raw image bytes and returns JSON
// {"text": "...", "confidence": 0.0-1.0}.
type WASMClassifier struct {
	runtime  wazero.Runtime
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	classify api.Function
	timeout  time.Duration
}

// ClassifierConfig configures the local WASM classifier.
type ClassifierConfig struct {
	// ModulePath is the path of the compiled classifier module.
	ModulePath string `yaml:"module_path"`

	// Confidence is the minimum confidence at which a local answer is
	// accepted instead of falling back to the remote tier.
	Confidence float64 `yaml:"confidence"`

	// Timeout bounds a single classification call.
	Timeout time.Duration `yaml:"timeout"`

	// MemoryLimitPages caps module memory in 64KB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// LoadWASMClassifier reads and instantiates the classifier module.
func LoadWASMClassifier(ctx context.Context, cfg ClassifierConfig) (*WASMClassifier, error) {
	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("reading classifier module: %w", err)
	}
	return NewWASMClassifier(ctx, wasmBytes, cfg)
}

// NewWASMClassifier instantiates a classifier from raw module bytes.
func NewWASMClassifier(ctx context.Context, wasmBytes []byte, cfg ClassifierConfig) (*WASMClassifier, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = 1024 // 64MB, OCR models are hungry
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating classifier module: %w", err)
	}

	c := &WASMClassifier{
		runtime: runtime,
		module:  module,
		timeout: timeout,
	}

	c.memory = module.Memory()
	if c.memory == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("classifier module does not export memory")
	}
	for _, fn := range []struct {
		name string
		dst  *api.Function
	}{
		{"classify", &c.classify},
		{"malloc", &c.malloc},
		{"free", &c.free},
	} {
		*fn.dst = module.ExportedFunction(fn.name)
		if *fn.dst == nil {
			runtime.Close(ctx)
			return nil, fmt.Errorf("classifier module does not export %s", fn.name)
		}
	}

	return c, nil
}

// classifyResult is the JSON the module returns.
type classifyResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Classify runs the classifier on one challenge image.
func (c *WASMClassifier) Classify(ctx context.Context, image []byte) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ptr, err := c.allocate(ctx, uint32(len(image)))
	if err != nil {
		return "", 0, err
	}
	defer func() { _, _ = c.free.Call(ctx, uint64(ptr)) }()

	if !c.memory.Write(ptr, image) {
		return "", 0, fmt.Errorf("writing image to classifier memory")
	}

	results, err := c.classify.Call(ctx, uint64(ptr), uint64(len(image)))
	if err != nil {
		return "", 0, fmt.Errorf("classify call failed: %w", err)
	}
	if len(results) == 0 {
		return "", 0, fmt.Errorf("classify returned no result")
	}

	// Packed (out_ptr << 32) | out_len, output allocated by the module.
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed & 0xFFFFFFFF)
	if outLen == 0 {
		return "", 0, fmt.Errorf("classifier declined the image")
	}

	out, ok := c.memory.Read(outPtr, outLen)
	if !ok {
		return "", 0, fmt.Errorf("reading classifier output")
	}
	_, _ = c.free.Call(ctx, uint64(outPtr))

	var res classifyResult
	if err := json.Unmarshal(out, &res); err != nil {
		return "", 0, fmt.Errorf("decoding classifier output: %w", err)
	}
	return res.Text, res.Confidence, nil
}

// allocate reserves module memory via the exported malloc.
func (c *WASMClassifier) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := c.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned no memory")
	}
	return uint32(results[0]), nil
}

// Close releases the runtime and module.
func (c *WASMClassifier) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}
