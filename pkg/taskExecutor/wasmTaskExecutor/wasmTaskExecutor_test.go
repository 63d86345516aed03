package wasmTaskExecutor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/taskExecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoModule writes "42" to fd 1 through WASI fd_write.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x0c, 0x02, 0x60,
	0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00, 0x02, 0x23,
	0x01, 0x16, 0x77, 0x61, 0x73, 0x69, 0x5f, 0x73, 0x6e, 0x61, 0x70, 0x73,
	0x68, 0x6f, 0x74, 0x5f, 0x70, 0x72, 0x65, 0x76, 0x69, 0x65, 0x77, 0x31,
	0x08, 0x66, 0x64, 0x5f, 0x77, 0x72, 0x69, 0x74, 0x65, 0x00, 0x00, 0x03,
	0x02, 0x01, 0x01, 0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x13, 0x02, 0x06,
	0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, 0x06, 0x5f, 0x73, 0x74,
	0x61, 0x72, 0x74, 0x00, 0x01, 0x0a, 0x0f, 0x01, 0x0d, 0x00, 0x41, 0x01,
	0x41, 0x00, 0x41, 0x01, 0x41, 0x14, 0x10, 0x00, 0x1a, 0x0b, 0x0b, 0x10,
	0x01, 0x00, 0x41, 0x00, 0x0b, 0x0a, 0x08, 0x00, 0x00, 0x00, 0x02, 0x00,
	0x00, 0x00, 0x34, 0x32,
}

// loopModule never returns from _start.
var loopModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x04, 0x01, 0x60,
	0x00, 0x00, 0x03, 0x02, 0x01, 0x00, 0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73,
	0x74, 0x61, 0x72, 0x74, 0x00, 0x00, 0x0a, 0x09, 0x01, 0x07, 0x00, 0x03,
	0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

// emptyModule returns from _start without output.
var emptyModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x04, 0x01, 0x60,
	0x00, 0x00, 0x03, 0x02, 0x01, 0x00, 0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73,
	0x74, 0x61, 0x72, 0x74, 0x00, 0x00, 0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func writeModule(t *testing.T, dir string, appId common.Hash, code []byte) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, appId.Hex()+".wasm"), code, 0o644))
}

func Test_WasmTaskExecutor(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	ctx := context.Background()

	dir := t.TempDir()
	echoApp := &taskExecutor.AppMetadata{AppId: common.HexToHash("0x01")}
	loopApp := &taskExecutor.AppMetadata{AppId: common.HexToHash("0x02")}
	emptyApp := &taskExecutor.AppMetadata{AppId: common.HexToHash("0x03")}
	brokenApp := &taskExecutor.AppMetadata{AppId: common.HexToHash("0x04")}
	writeModule(t, dir, echoApp.AppId, echoModule)
	writeModule(t, dir, loopApp.AppId, loopModule)
	writeModule(t, dir, emptyApp.AppId, emptyModule)
	writeModule(t, dir, brokenApp.AppId, []byte("not wasm"))

	e, err := NewWasmTaskExecutor(ctx, &WasmTaskExecutorConfig{ModuleDir: dir, Timeout: 200 * time.Millisecond}, l)
	require.NoError(t, err)
	defer e.Close()

	t.Run("stdout is the result", func(t *testing.T) {
		require.NoError(t, e.Prepare(ctx, echoApp))
		for i := 0; i < 2; i++ {
			out, err := e.Execute(ctx, echoApp)
			require.NoError(t, err)
			assert.Equal(t, "42", out)
		}
	})

	t.Run("missing module", func(t *testing.T) {
		_, err := e.Execute(ctx, &taskExecutor.AppMetadata{AppId: common.HexToHash("0xff")})
		assert.ErrorIs(t, err, ErrModuleNotFound)
	})

	t.Run("invalid module", func(t *testing.T) {
		assert.Error(t, e.Prepare(ctx, brokenApp))
	})

	t.Run("no output", func(t *testing.T) {
		_, err := e.Execute(ctx, emptyApp)
		assert.ErrorIs(t, err, taskExecutor.ErrEmptyResult)
	})

	t.Run("timeout interrupts a runaway module", func(t *testing.T) {
		start := time.Now()
		_, err := e.Execute(ctx, loopApp)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}
