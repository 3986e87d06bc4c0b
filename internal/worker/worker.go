// Package worker provides async transaction processing off the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
)

// Worker consumes ingested transactions from the EventBus and drives
// them through the same monitoring pipeline as the synchronous API.
type Worker struct {
	bus     domain.EventBus
	monitor *monitor.Monitor

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// TransactionMessage is the payload published on the ingestion topic.
type TransactionMessage struct {
	// TxID is optional; one is generated when absent.
	TxID    string `json:"txId,omitempty"`
	TraceID string `json:"traceId,omitempty"`

	domain.TransactionRequest
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, mon *monitor.Monitor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		monitor: mon,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// handleMessage processes one ingested transaction.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	txID := txMsg.TxID
	if txID == "" {
		txID = txMsg.ID
	}
	if txID == "" {
		txID = uuid.New().String()
	}
	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	tx := txMsg.ToTransaction(txID)

	result, err := w.monitor.Process(ctx, tx)
	if err != nil {
		slog.Error("transaction processing failed",
			"tx_id", txID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	w.publishDecision(ctx, result, traceID)

	slog.Info("transaction processed",
		"tx_id", txID,
		"trace_id", traceID,
		"stage", result.Stage,
		"alerted", result.Alerted(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// publishDecision mirrors the synchronous API's event fan-out.
func (w *Worker) publishDecision(ctx context.Context, result *domain.MonitorResult, traceID string) {
	if data, err := json.Marshal(result); err == nil {
		if err := w.bus.Publish(ctx, domain.TopicMonitorDecision, data); err != nil {
			slog.Error("failed to publish decision",
				"tx_id", result.TransactionID,
				"trace_id", traceID,
				"error", err,
			)
		}
	}

	if result.Alert == nil {
		return
	}
	topic := domain.TopicAlertRaised
	if len(result.Alert.Notes) > 0 {
		topic = domain.TopicAlertUpdated
	}
	if data, err := json.Marshal(result.Alert); err == nil {
		if err := w.bus.Publish(ctx, topic, data); err != nil {
			slog.Error("failed to publish alert",
				"alert_id", result.Alert.ID,
				"trace_id", traceID,
				"error", err,
			)
		}
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
