package obs

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Instruments == nil {
		t.Fatal("expected non-nil instruments (noop)")
	}
}

func TestInitDisabledShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Instruments.CnpRounds == nil {
		t.Fatal("expected non-nil CnpRounds counter")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitCustomServiceName(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "apexswarm-test",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "cnp.round",
		AttrTaskID.String("t1"), AttrRound.Int(1))
	span.End()

	_, serverSpan := StartServerSpan(context.Background(), p.Tracer, "realtime.frame")
	serverSpan.End()

	_, clientSpan := StartClientSpan(context.Background(), p.Tracer, "runner.invoke",
		AttrAgentID.String("agent-1"))
	clientSpan.End()
}

func TestInstrumentsRecordWithoutPanicking(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	p.Instruments.CnpRounds.Add(ctx, 1)
	p.Instruments.ContractCharges.Add(ctx, 1)
	p.Instruments.DagExecutions.Add(ctx, 1)
	p.Instruments.DagExecutionTime.Record(ctx, 0.042)
}
