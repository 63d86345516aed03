// Package wasmTaskExecutor runs client applications as WASI modules in-process.
// A module for app 0xabc... is read from <ModuleDir>/0xabc....wasm; whatever it
// writes to stdout is the task result.
package wasmTaskExecutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/taskExecutor"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

var ErrModuleNotFound = errors.New("wasm module not found")

type WasmTaskExecutorConfig struct {
	ModuleDir string
	Timeout   time.Duration
}

type WasmTaskExecutor struct {
	config  *WasmTaskExecutorConfig
	runtime wazero.Runtime
	logger  *zap.Logger

	mu       sync.Mutex
	compiled map[common.Hash]wazero.CompiledModule
}

func NewWasmTaskExecutor(ctx context.Context, config *WasmTaskExecutorConfig, logger *zap.Logger) (*WasmTaskExecutor, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &WasmTaskExecutor{
		config:   config,
		runtime:  rt,
		logger:   logger,
		compiled: make(map[common.Hash]wazero.CompiledModule),
	}, nil
}

func (e *WasmTaskExecutor) modulePath(appId common.Hash) string {
	return filepath.Join(e.config.ModuleDir, appId.Hex()+".wasm")
}

// Prepare compiles the app's module once and caches it.
func (e *WasmTaskExecutor) Prepare(ctx context.Context, app *taskExecutor.AppMetadata) error {
	_, err := e.compile(ctx, app.AppId)
	return err
}

func (e *WasmTaskExecutor) compile(ctx context.Context, appId common.Hash) (wazero.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.compiled[appId]; ok {
		return c, nil
	}

	path := e.modulePath(appId)
	code, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
		}
		return nil, err
	}
	c, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", path, err)
	}
	e.compiled[appId] = c
	e.logger.Sugar().Infow("Compiled wasm module", "appId", appId.Hex(), "path", path)
	return c, nil
}

func (e *WasmTaskExecutor) Execute(ctx context.Context, app *taskExecutor.AppMetadata) (string, error) {
	compiled, err := e.compile(ctx, app.AppId)
	if err != nil {
		return "", err
	}
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(app.AppId.Hex()).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("wasm module failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", taskExecutor.ErrEmptyResult
	}
	return out, nil
}

func (e *WasmTaskExecutor) Close() error {
	return e.runtime.Close(context.Background())
}
