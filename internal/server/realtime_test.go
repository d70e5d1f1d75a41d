package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/collab"
	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
	"go.uber.org/zap"
)

func TestSocketClientDropsUpdatesWhenQueueFull(t *testing.T) {
	client := newSocketClient(nil, 1, 50*time.Millisecond, zap.NewNop())

	if err := client.Send(collab.Event{Name: collab.EventUserCount, Payload: []collab.Member{}}); err != nil {
		t.Fatalf("expected first frame to enqueue, got %v", err)
	}
	if err := client.Send(collab.Event{Name: collab.EventNodeDeleted, Payload: collab.NodeDeletedPayload{NodeID: "n1"}}); !errors.Is(err, errSendQueueFull) {
		t.Fatalf("expected dropped frame, got %v", err)
	}
	select {
	case <-client.done:
		t.Fatalf("dropping an update must not close the connection")
	default:
	}
}

func TestSocketClientWaitsForRoomForInitialDiagram(t *testing.T) {
	client := newSocketClient(nil, 1, time.Second, zap.NewNop())
	if err := client.Send(collab.Event{Name: collab.EventUserCount, Payload: []collab.Member{}}); err != nil {
		t.Fatalf("failed to fill queue: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- client.Send(collab.Event{Name: collab.EventDiagramInitial, Payload: diagram.Empty()})
	}()

	time.Sleep(20 * time.Millisecond)
	<-client.queue
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected initial diagram to be enqueued, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("initial diagram send did not complete")
	}

	var envelope collab.Envelope
	if err := json.Unmarshal(<-client.queue, &envelope); err != nil {
		t.Fatalf("failed to decode queued frame: %v", err)
	}
	if envelope.Event != collab.EventDiagramInitial {
		t.Fatalf("expected queued initial diagram, got %s", envelope.Event)
	}
}

func TestSocketClientClosesWhenInitialDiagramCannotBeQueued(t *testing.T) {
	client := newSocketClient(nil, 1, 20*time.Millisecond, zap.NewNop())
	if err := client.Send(collab.Event{Name: collab.EventUserCount, Payload: []collab.Member{}}); err != nil {
		t.Fatalf("failed to fill queue: %v", err)
	}

	err := client.Send(collab.Event{Name: collab.EventDiagramInitial, Payload: diagram.Empty()})
	if !errors.Is(err, errSendQueueFull) {
		t.Fatalf("expected queue full error, got %v", err)
	}
	select {
	case <-client.done:
	default:
		t.Fatalf("expected connection to be closed")
	}
	if err := client.Send(collab.Event{Name: collab.EventUserCount, Payload: []collab.Member{}}); !errors.Is(err, errConnectionClosed) {
		t.Fatalf("expected closed connection error, got %v", err)
	}
}
