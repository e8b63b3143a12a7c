package react

import (
	"context"
	"fmt"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/shared/logging"
	id "missionloop/internal/shared/utils/id"
)

// emitter numbers a run's events and writes each one to the run log before
// handing it to the sink, so a published event is always recoverable.
type emitter struct {
	log    ports.RunLog
	sink   ports.EventSink
	clock  ports.Clock
	logger logging.Logger

	runID     string
	sessionID string
	seq       int64
}

func newEmitter(log ports.RunLog, sink ports.EventSink, clock ports.Clock, logger logging.Logger, runID, sessionID string) *emitter {
	return &emitter{
		log:       log,
		sink:      sink,
		clock:     clock,
		logger:    logging.OrNop(logger),
		runID:     runID,
		sessionID: sessionID,
	}
}

func (e *emitter) emit(ctx context.Context, eventType mission.EventType, message, taskID string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	event := mission.Event{
		ID:             id.NewEventID(),
		Seq:            e.seq + 1,
		Type:           eventType,
		Message:        message,
		Timestamp:      e.clock.Now(),
		RunID:          e.runID,
		ConversationID: e.sessionID,
		TaskID:         taskID,
		Data:           data,
	}
	if err := e.log.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("log %s event: %w", eventType, err)
	}
	e.seq = event.Seq
	e.sink.Publish(event)
	e.logger.Debug("Run %s event #%d %s", e.runID, event.Seq, eventType)
	return nil
}
