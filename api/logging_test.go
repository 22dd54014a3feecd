package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/observability"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWriteEngineError_Logging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h, err := NewHandler(loyalty.NewEngine(store.NewMemory()), observability.FromZap(zap.New(core)))
	require.NoError(t, err)

	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantLevel zapcore.Level
		wantMsg   string
	}{
		{
			name:      "canceled by caller",
			err:       fmt.Errorf("%w: %w", loyalty.ErrPersistence, context.Canceled),
			wantCode:  http.StatusServiceUnavailable,
			wantLevel: zapcore.InfoLevel,
			wantMsg:   "request canceled before commit",
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			wantCode:  http.StatusServiceUnavailable,
			wantLevel: zapcore.InfoLevel,
			wantMsg:   "request canceled before commit",
		},
		{
			name:      "store down",
			err:       errors.New("connection refused"),
			wantCode:  http.StatusServiceUnavailable,
			wantLevel: zapcore.ErrorLevel,
			wantMsg:   "request failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs.TakeAll()
			rec := httptest.NewRecorder()

			h.writeEngineError(rec, httptest.NewRequest(http.MethodGet, "/api/statistics", nil), tt.err)

			assert.Equal(t, tt.wantCode, rec.Code)
			entries := logs.TakeAll()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantLevel, entries[0].Level)
			assert.Equal(t, tt.wantMsg, entries[0].Message)
		})
	}

	// Client errors are answered without logging.
	logs.TakeAll()
	h.writeEngineError(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), &loyalty.ValidationError{Field: "amount", Reason: "must be >= 0"})
	assert.Zero(t, logs.Len())
}
