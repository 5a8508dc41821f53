// Package telemetry records one structured event per terminal tool call,
// fired at batch completion: a log line, an OpenTelemetry span event, and
// an append-only JSONL file per session.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/logger"
)

const tracerName = "agenttide/scheduler"

// ToolCallEvent is the structured record of one terminal tool call.
type ToolCallEvent struct {
	Ts         time.Time     `json:"ts"`
	SessionID  string        `json:"session_id,omitempty"`
	AgentID    string        `json:"agent_id"`
	AgentType  api.AgentType `json:"agent_type"`
	CallID     string        `json:"call_id"`
	ToolName   string        `json:"tool_name"`
	Status     string        `json:"status"` // "success" | "error" | "cancelled"
	Outcome    string        `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// Recorder writes tool-call events. Safe for concurrent use; the zero
// value is not usable, construct with NewRecorder.
type Recorder struct {
	tracer    trace.Tracer
	sessionID string

	mu   sync.Mutex
	path string // JSONL sink; empty disables file output
}

// NewRecorder creates a recorder writing to <baseDir>/telemetry/<session>.jsonl.
// An empty baseDir disables the file sink.
func NewRecorder(baseDir, sessionID string) (*Recorder, error) {
	r := &Recorder{
		tracer:    otel.Tracer(tracerName),
		sessionID: sessionID,
	}
	if baseDir != "" {
		dir := filepath.Join(baseDir, "telemetry")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
		}
		r.path = filepath.Join(dir, sessionID+".jsonl")
	}
	return r, nil
}

// RecordBatch emits one event per terminal call, all inside a single
// batch span. Cancellations are recorded but never as failures.
func (r *Recorder) RecordBatch(ctx context.Context, agent api.AgentContext, events []ToolCallEvent) {
	if r == nil {
		return
	}
	_, span := r.tracer.Start(ctx, "tools.batch", trace.WithAttributes(
		attribute.String("agent.id", agent.AgentID),
		attribute.String("agent.type", string(agent.Type)),
		attribute.Int("batch.size", len(events)),
	))
	defer span.End()

	for _, e := range events {
		e.Ts = time.Now()
		e.SessionID = r.sessionID

		span.AddEvent("tool.call", trace.WithAttributes(
			attribute.String("tool.name", e.ToolName),
			attribute.String("tool.call_id", e.CallID),
			attribute.String("tool.status", e.Status),
			attribute.Int64("tool.duration_ms", e.DurationMs),
		))

		fields := map[string]interface{}{
			"call_id":     e.CallID,
			"tool":        e.ToolName,
			"status":      e.Status,
			"agent":       e.AgentID,
			"duration_ms": e.DurationMs,
		}
		switch e.Status {
		case "error":
			fields["error"] = e.Error
			logger.Warn("Scheduler", "Tool call failed", fields)
		default:
			logger.Info("Scheduler", "Tool call finished", fields)
		}

		r.appendLine(e)
	}
}

func (r *Recorder) appendLine(e ToolCallEvent) {
	if r.path == "" {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn("Telemetry", "Failed to open telemetry file", map[string]interface{}{
			"path": r.path, "error": err.Error(),
		})
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
