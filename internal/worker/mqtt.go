package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
	"github.com/vitaliisemenov/fleet-agent/internal/mqttclient"
	"github.com/vitaliisemenov/fleet-agent/internal/sync"
)

// Refresher is the subset of *token.Manager the MQTT worker needs to
// obtain the current password and to force a refresh on authentication
// failure.
type Refresher interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// DeviceStore is the subset of *cachedfile.File[model.Device] the MQTT
// worker needs to patch connectivity state.
type DeviceStore interface {
	Read() (model.Device, bool, error)
	Write(model.Device) error
}

// ClientFactory builds a fresh mqttclient.Client authenticated with
// username/password, wiring onConnect/onConnectionLost as the client's
// own lifecycle callbacks. Called both at startup and whenever the
// worker must reconstruct its client after an authentication failure.
type ClientFactory func(username, password string, onConnect func(), onConnectionLost func(error)) mqttclient.Client

// syncPayload is the sync topic's message shape.
type syncPayload struct {
	IsSynced bool `json:"is_synced"`
}

// pingPayload is the ping topic's message shape.
type pingPayload struct {
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
}

// MQTTConfig configures the MQTT worker.
type MQTTConfig struct {
	Syncer        Syncer
	Device        DeviceStore
	Tokens        Refresher
	NewClient     ClientFactory
	DeviceID      string
	SessionID     string
	BackoffPolicy sync.CooldownPolicy
	Logger        *slog.Logger
}

// MQTTWorker is component H: maintains one client+event-loop pair,
// reacts to push notifications on the device's sync and ping topics, and
// acks sync success back to the control plane over MQTT (spec.md §4.6,
// §6).
type MQTTWorker struct {
	cfg    MQTTConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	lost chan error // signaled by onConnectionLost
}

// NewMQTTWorker constructs an MQTTWorker. Call Start to connect and begin
// serving.
func NewMQTTWorker(cfg MQTTConfig) *MQTTWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTWorker{
		cfg:    cfg,
		logger: logger.With("component", "mqtt_worker"),
		done:   make(chan struct{}),
		lost:   make(chan error, 1),
	}
}

// Start spawns the worker loop.
func (w *MQTTWorker) Start(ctx context.Context, shutdown <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go func() {
		defer close(w.done)
		w.run(ctx, shutdown)
	}()
}

// Stop cancels the worker's context; callers should still wait on Done.
func (w *MQTTWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Done reports when the worker's loop has exited.
func (w *MQTTWorker) Done() <-chan struct{} { return w.done }

func (w *MQTTWorker) run(ctx context.Context, shutdown <-chan struct{}) {
	sub := w.cfg.Syncer.Events().Subscribe()
	defer w.cfg.Syncer.Events().Unsubscribe(sub)

	var client mqttclient.Client
	streak := 0

	reconnect := func() {
		password, err := w.cfg.Tokens.Token(ctx)
		if err != nil {
			w.logger.Warn("token unavailable, retrying", "error", err)
			streak++
			return
		}
		c, err := w.connect(ctx, password)
		if err != nil {
			w.handleError(err)
			streak++
			return
		}
		client = c
		streak = 0
	}

	reconnect()

	for {
		var retry <-chan time.Time
		var timer *time.Timer
		if client == nil {
			timer = time.NewTimer(w.backoff(streak))
			retry = timer.C
		}

		select {
		case <-shutdown:
			w.disconnect(client)
			return
		case <-ctx.Done():
			w.disconnect(client)
			return
		case ev := <-sub.C():
			if _, ok := ev.(sync.SyncSucceeded); ok {
				w.publishSyncAck(client)
			}
		case err := <-w.lost:
			w.logger.Warn("mqtt connection lost", "error", err)
			w.markOffline()
			client = nil
			streak++
		case <-retry:
			reconnect()
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (w *MQTTWorker) backoff(streak int) time.Duration {
	base := time.Duration(w.cfg.BackoffPolicy.BaseSecs * float64(time.Second))
	ceiling := time.Duration(w.cfg.BackoffPolicy.MaxSecs * float64(time.Second))
	return fsm.ExpBackoff(base, w.cfg.BackoffPolicy.GrowthFactor, streak, ceiling)
}

// connect builds a fresh client, connects, marks the device Online on
// success, and subscribes to this device's sync and ping topics.
func (w *MQTTWorker) connect(ctx context.Context, password string) (mqttclient.Client, error) {
	client := w.cfg.NewClient(w.cfg.SessionID, password, w.markOnline, func(err error) {
		select {
		case w.lost <- err:
		default:
		}
	})

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	syncTopic := fmt.Sprintf("devices/%s/sync", w.cfg.DeviceID)
	pingTopic := fmt.Sprintf("devices/%s/ping", w.cfg.DeviceID)

	if err := client.Subscribe(syncTopic, func(_ string, payload []byte) {
		w.handleSyncMessage(ctx, payload)
	}); err != nil {
		client.Disconnect()
		return nil, err
	}
	if err := client.Subscribe(pingTopic, func(_ string, payload []byte) {
		w.handlePingMessage(ctx, client, payload)
	}); err != nil {
		client.Disconnect()
		return nil, err
	}

	return client, nil
}

func (w *MQTTWorker) disconnect(client mqttclient.Client) {
	if client == nil {
		return
	}
	client.Disconnect()
	w.markOffline()
}

// handleSyncMessage implements the sync topic per spec.md §6: an
// unparseable payload is treated as not-synced.
func (w *MQTTWorker) handleSyncMessage(ctx context.Context, payload []byte) {
	var msg syncPayload
	synced := false
	if err := json.Unmarshal(payload, &msg); err == nil {
		synced = msg.IsSynced
	}
	if synced {
		return
	}
	if err := w.cfg.Syncer.SyncIfNotInCooldown(ctx); err != nil {
		w.logger.Warn("sync triggered by push notification failed", "error", err)
	}
}

// handlePingMessage implements the ping topic per spec.md §6: reply with
// a pong carrying the same message id.
func (w *MQTTWorker) handlePingMessage(ctx context.Context, client mqttclient.Client, payload []byte) {
	var msg pingPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		w.logger.Warn("unparseable ping payload", "error", err)
		return
	}
	pong, err := json.Marshal(pingPayload{MessageID: msg.MessageID, Timestamp: msg.Timestamp})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("devices/%s/pong", w.cfg.DeviceID)
	if err := client.Publish(ctx, topic, pong); err != nil {
		w.logger.Warn("failed to publish pong", "error", err)
	}
}

func (w *MQTTWorker) publishSyncAck(client mqttclient.Client) {
	if client == nil {
		return
	}
	ack, err := json.Marshal(syncPayload{IsSynced: true})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("devices/%s/sync", w.cfg.DeviceID)
	if err := client.Publish(context.Background(), topic, ack); err != nil {
		w.logger.Warn("failed to publish sync ack", "error", err)
	}
}

// handleError implements spec.md §4.6/§7's MQTT error taxonomy: transport
// errors mark the device Offline; authentication errors force a token
// refresh so the next reconnect attempt uses a fresh credential; any
// other error is logged and counted toward the streak by the caller.
func (w *MQTTWorker) handleError(err error) {
	classified := agenterrors.Classify(err)
	w.markOffline()
	switch {
	case classified.IsAuthenticationError():
		w.logger.Warn("mqtt authentication error, refreshing token", "error", err)
		if _, refreshErr := w.cfg.Tokens.Refresh(context.Background()); refreshErr != nil {
			w.logger.Warn("token refresh after mqtt auth error failed", "error", refreshErr)
		}
	case classified.IsNetworkConnectionError():
		w.logger.Warn("mqtt network error", "error", err)
	default:
		w.logger.Error("mqtt error", "error", err)
	}
}

func (w *MQTTWorker) markOnline()  { w.patchConnectivity(model.DeviceOnline) }
func (w *MQTTWorker) markOffline() { w.patchConnectivity(model.DeviceOffline) }

func (w *MQTTWorker) patchConnectivity(status model.DeviceConnectivity) {
	device, present, err := w.cfg.Device.Read()
	if err != nil || !present || device.Status == status {
		return
	}
	now := time.Now()
	device.Status = status
	if status == model.DeviceOnline {
		device.LastConnectedAt = &now
	} else {
		device.LastDisconnectedAt = &now
	}
	if err := w.cfg.Device.Write(device); err != nil {
		w.logger.Warn("failed to patch device connectivity", "error", err)
	}
}
