package instrumentation

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "default config",
			config: Config{Enabled: false},
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "movie-oauth",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "empty service name gets default",
			config: Config{Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			if inst.Meter("server") == nil {
				t.Error("Meter('server') returned nil")
			}
			if inst.Tracer("storage") == nil {
				t.Error("Tracer('storage') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.MeterProvider() == nil || inst.TracerProvider() == nil {
				t.Error("providers should not be nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			// idempotent
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestInstrumentation_NoOpRecording(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()

	m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 200, 1.5)
	m.RecordAuthorizationStarted(ctx, "client-1")
	m.RecordCodeIssued(ctx, "client-1")
	m.RecordCodeExchange(ctx, "client-1")
	m.RecordAccessDenied(ctx, "client-1")
	m.RecordExchangeFailed(ctx, "client-1", "invalid_grant")
	m.RecordTokenValidated(ctx, true)
	m.RecordRateLimitExceeded(ctx, "ip")
	m.RecordAuditEvent(ctx, "token_issued")
	m.RecordStorageOperation(ctx, "claim_code", "success", 0.2)
}

func TestInstrumentation_RegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		nil,
		func() int64 { return 4 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}

func TestInstrumentation_ShouldLogClientIPs(t *testing.T) {
	inst, err := New(Config{LogClientIPs: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}

	inst, err = New(Config{LogClientIPs: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = true, want false")
	}
}
