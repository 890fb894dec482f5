package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"silverbuild/workflow"
)

// TaskSubject carries task-created events from the API to the
// orchestrator. The handoff is one-way: the API never waits for a run.
const TaskSubject = "silverbuild.task.created"

// taskQueue is the consumer queue group; a run id is delivered to
// exactly one worker.
const taskQueue = "silverbuild-workers"

// StartEmbedded starts an in-process NATS server for single-binary
// deploys and returns it with a connection to it.
func StartEmbedded() (*natsserver.Server, *nats.Conn, error) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: -1, // pick a free port
	})
	if err != nil {
		return nil, nil, fmt.Errorf("embedded nats: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("embedded nats not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("connect embedded nats: %w", err)
	}
	return ns, nc, nil
}

// Bus publishes and consumes task events over NATS.
type Bus struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewBus wraps an established NATS connection.
func NewBus(nc *nats.Conn, log zerolog.Logger) *Bus {
	return &Bus{nc: nc, log: log}
}

// PublishTask hands a task event to the orchestrator.
func (b *Bus) PublishTask(ev workflow.TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode task event: %w", err)
	}
	if err := b.nc.Publish(TaskSubject, data); err != nil {
		return fmt.Errorf("publish task event: %w", err)
	}
	return nil
}

// ConsumeTasks queue-subscribes to task events and starts one
// orchestration run per event. Runs for different projects proceed in
// parallel; each gets its own goroutine.
func (b *Bus) ConsumeTasks(ctx context.Context, run func(context.Context, workflow.TaskEvent)) (*nats.Subscription, error) {
	sub, err := b.nc.QueueSubscribe(TaskSubject, taskQueue, func(msg *nats.Msg) {
		var ev workflow.TaskEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Error().Err(err).Msg("dropping malformed task event")
			return
		}
		b.log.Info().Str("run", ev.RunID).Str("project", ev.ProjectID).Msg("task event received")
		go run(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TaskSubject, err)
	}
	return sub, nil
}
