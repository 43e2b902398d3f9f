package telemetry

import (
	"context"
	"testing"

	logx "foremanbot/pkg/logx"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	t.Parallel()
	shutdown, err := Setup(context.Background(), Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
