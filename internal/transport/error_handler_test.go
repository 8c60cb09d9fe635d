package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantBody  string
		wantLevel zapcore.Level
	}{
		{
			name:      "client error keeps message",
			err:       fiber.NewError(fiber.StatusNotFound, "not found"),
			wantCode:  fiber.StatusNotFound,
			wantBody:  "not found",
			wantLevel: zapcore.WarnLevel,
		},
		{
			name:      "plain error is masked",
			err:       errors.New("pq: connection refused"),
			wantCode:  fiber.StatusInternalServerError,
			wantBody:  internalErrorMessage,
			wantLevel: zapcore.ErrorLevel,
		},
		{
			name:      "server fiber error is masked",
			err:       fiber.NewError(fiber.StatusServiceUnavailable, "broker down"),
			wantCode:  fiber.StatusServiceUnavailable,
			wantBody:  internalErrorMessage,
			wantLevel: zapcore.ErrorLevel,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zap.DebugLevel)
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.New(core))})
			app.Get("/boom", func(*fiber.Ctx) error { return tt.err })

			req := httptest.NewRequest(http.MethodGet, "/boom", nil)
			req.Header.Set("X-Owner-ID", "owner-1")
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}

			raw, _ := io.ReadAll(resp.Body)
			var body map[string]string
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if body["error"] != tt.wantBody {
				t.Fatalf("error = %q, want %q", body["error"], tt.wantBody)
			}

			entries := logs.All()
			if len(entries) != 1 || entries[0].Level != tt.wantLevel {
				t.Fatalf("log entries = %+v, want one at %s", entries, tt.wantLevel)
			}
			if entries[0].ContextMap()["ownerId"] != "owner-1" {
				t.Fatalf("ownerId field missing: %v", entries[0].ContextMap())
			}
		})
	}
}
