package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/stackforge/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = telemetry.LevelForVerbosity(1)

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx).NewComponentLogger("cli")
	logger.Info("forge started")
}

// Example_instrumentedOperation demonstrates wrapping a compile stage in a span.
func Example_instrumentedOperation() {
	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	op := telemetry.StartOperation(ctx, "resolve",
		telemetry.AttrCompileID.String("c-1"),
		telemetry.AttrPath.String("shop"),
	)
	op.Logger.Debug("resolving model")
	op.End(nil)

	fmt.Println(op.Timer.Duration() >= 0)
	// Output: true
}

// Example_eventSubscription demonstrates subscribing to compile events.
func Example_eventSubscription() {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 8,
	})
	if err != nil {
		panic(err)
	}
	defer publisher.Shutdown(context.Background())

	publisher.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = publisher.PublishCompileStarted("c-1", "shop.yaml", "translate")
	_ = publisher.PublishPolicyWarning("shop.db", "volumes", "local volume is permanent")
	_ = publisher.PublishCompileSucceeded("c-1", 3, time.Second)
	// Output: policy.warning volumes: local volume is permanent
}

// Example_jsonLogging demonstrates machine-readable logs for CI.
func Example_jsonLogging() {
	logger := telemetry.NewWriterLogger(os.Stdout, telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	})
	logger.WithCompileID("c-1").WithPath("shop.web").Debug("hidden below info")
}
