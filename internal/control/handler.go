// Package control drives a recorder from MQTT commands and publishes its
// state.
//
// Commands arrive as JSON on the control topic:
//
//	{"command": "start"}
//	{"command": "pause"}
//	{"command": "end"}
//	{"command": "status"}
//
// Every command is acknowledged on the status topic, and every session state
// change is published there as a retained message.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/session"
)

// Controller is the recorder surface the handler drives.
type Controller interface {
	Start() error
	Pause() error
	End() error
	Status() map[string]any
}

// Client is the subset of mqtt.Client the handler uses.
type Client interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Command is a control plane command.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// StateEvent is published on every session state change.
type StateEvent struct {
	Event     string `json:"event"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

const (
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
)

// Handler handles control plane commands.
type Handler struct {
	client   Client
	topics   config.MQTTTopics
	qos      byte
	ctrl     Controller
	commands chan Command

	mu       sync.Mutex
	handled  uint64
	rejected uint64
	stopped  bool
	stopOnce sync.Once
}

// NewHandler creates a handler for ctrl. It does not subscribe yet.
func NewHandler(client Client, cfg config.MQTTConfig, ctrl Controller) *Handler {
	return &Handler{
		client:   client,
		topics:   cfg.Topics,
		qos:      cfg.QoS,
		ctrl:     ctrl,
		commands: make(chan Command, 10),
	}
}

// Start subscribes to the control topic and processes commands until ctx
// is cancelled or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("control: subscribing", "topic", h.topics.Control, "qos", h.qos)

	token := h.client.Subscribe(h.topics.Control, h.qos, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and stops command processing. Idempotent.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		if h.client.IsConnected() {
			token := h.client.Unsubscribe(h.topics.Control)
			token.WaitTimeout(publishTimeout)
		}
		h.mu.Lock()
		h.stopped = true
		close(h.commands)
		h.mu.Unlock()
		slog.Info("control: handler stopped")
	})
}

// PublishState publishes a retained state event. It is meant to be passed
// to session.OnStateChange, so it never blocks on the broker.
func (h *Handler) PublishState(state session.State) {
	h.publish(StateEvent{
		Event:     "state_changed",
		State:     state.String(),
		Timestamp: timestamp(),
	}, true, false)
}

// Counts returns how many commands were handled and rejected.
func (h *Handler) Counts() (handled, rejected uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled, h.rejected
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: invalid command payload", "error", err)
		h.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		slog.Warn("control: handler stopped, dropping command", "command", cmd.Command)
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.respond(h.handleCommand(cmd))
		}
	}
}

func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	var err error
	switch cmd.Command {
	case "start", "resume":
		err = h.ctrl.Start()
	case "pause":
		err = h.ctrl.Pause()
	case "end", "stop":
		err = h.ctrl.End()
	case "status", "get_status":
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Command)
	}

	h.mu.Lock()
	if err != nil {
		h.rejected++
	} else {
		h.handled++
	}
	h.mu.Unlock()

	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Status = "success"
	resp.Data = h.ctrl.Status()
	return resp
}

func (h *Handler) respond(resp Response) {
	resp.Timestamp = timestamp()
	h.publish(resp, false, true)
}

// publish marshals v onto the status topic. Waiting for the broker ack is
// optional so state callbacks stay non-blocking.
func (h *Handler) publish(v any, retained, wait bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("control: marshal failed", "error", err)
		return
	}
	if !h.client.IsConnected() {
		slog.Debug("control: not connected, status not published")
		return
	}

	token := h.client.Publish(h.topics.Status, h.qos, retained, payload)
	if !wait {
		return
	}
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("control: publish timeout", "topic", h.topics.Status)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: publish failed", "topic", h.topics.Status, "error", err)
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
