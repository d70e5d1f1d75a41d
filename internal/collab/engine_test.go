package collab

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/cache"
	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
	"github.com/MarcoPoloResearchLab/erdsync/internal/storage"
)

type recordingClient struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func newRecordingClient(id string) *recordingClient {
	return &recordingClient{id: id}
}

func (c *recordingClient) ID() string {
	return c.id
}

func (c *recordingClient) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *recordingClient) named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []Event
	for _, event := range c.events {
		if event.Name == name {
			matched = append(matched, event)
		}
	}
	return matched
}

type memoryCache struct {
	mu        sync.Mutex
	diagrams  map[diagram.ProjectID]diagram.Diagram
	readErr   error
	failReads int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{diagrams: make(map[diagram.ProjectID]diagram.Diagram)}
}

func (c *memoryCache) LoadDiagram(_ context.Context, projectID diagram.ProjectID) (diagram.Diagram, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads > 0 {
		c.failReads--
		return diagram.Diagram{}, false, c.readErr
	}
	if c.readErr != nil {
		return diagram.Diagram{}, false, c.readErr
	}
	current, ok := c.diagrams[projectID]
	return current, ok, nil
}

func (c *memoryCache) StoreDiagram(_ context.Context, projectID diagram.ProjectID, current diagram.Diagram) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagrams[projectID] = current
	return nil
}

func (c *memoryCache) get(projectID diagram.ProjectID) (diagram.Diagram, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.diagrams[projectID]
	return current, ok
}

func (c *memoryCache) evict(projectID diagram.ProjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.diagrams, projectID)
}

type memoryStore struct {
	mu       sync.Mutex
	designs  map[string]diagram.Diagram
	writes   []diagram.Diagram
	readErr  error
	writeErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{designs: make(map[string]diagram.Diagram)}
}

func (s *memoryStore) GetDesign(_ context.Context, objectPath string) (diagram.Diagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return diagram.Diagram{}, s.readErr
	}
	current, ok := s.designs[objectPath]
	if !ok {
		return diagram.Diagram{}, storage.ErrDesignNotFound
	}
	return current, nil
}

func (s *memoryStore) UpdateDesign(_ context.Context, design diagram.Diagram, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, design)
	if s.writeErr != nil {
		return s.writeErr
	}
	s.designs[objectPath] = design
	return nil
}

func (s *memoryStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *memoryStore) lastWrite() diagram.Diagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[len(s.writes)-1]
}

type engineFixture struct {
	engine *Engine
	cache  *memoryCache
	store  *memoryStore
}

func newEngineFixture(t *testing.T, delay time.Duration) *engineFixture {
	t.Helper()
	memory := newMemoryCache()
	store := newMemoryStore()
	engine, err := NewEngine(EngineConfig{
		Cache:         memory,
		Store:         store,
		DebounceDelay: delay,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return &engineFixture{engine: engine, cache: memory, store: store}
}

func (f *engineFixture) dispatch(t *testing.T, client Client, message Inbound) {
	t.Helper()
	if err := f.engine.Dispatch(context.Background(), client, message); err != nil {
		t.Fatalf("dispatch %s failed: %v", message.EventName(), err)
	}
}

func testNode(id string) diagram.Node {
	return diagram.Node{
		ID:       id,
		Type:     "table",
		Position: diagram.Position{X: 10, Y: 20},
		Data:     diagram.NodeData{Label: id, Fields: []diagram.Field{}},
	}
}

func initialDiagram(t *testing.T, client *recordingClient) diagram.Diagram {
	t.Helper()
	events := client.named(EventDiagramInitial)
	if len(events) != 1 {
		t.Fatalf("expected exactly one initial diagram for %s, got %d", client.ID(), len(events))
	}
	current, ok := events[0].Payload.(diagram.Diagram)
	if !ok {
		t.Fatalf("unexpected initial payload %T", events[0].Payload)
	}
	return current
}

func TestJoinScenarioHydratesFromCacheForSecondUser(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	projectID := diagram.ProjectID("P1")
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")

	if state := fixture.engine.RoomState(projectID); state != RoomAbsent {
		t.Fatalf("expected no room before join, got %s", state)
	}

	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	if got := initialDiagram(t, alice); !reflect.DeepEqual(got, diagram.Empty()) {
		t.Fatalf("expected empty initial diagram, got %+v", got)
	}
	if state := fixture.engine.RoomState(projectID); state != RoomLive {
		t.Fatalf("expected live room after join, got %s", state)
	}

	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})
	cached, ok := fixture.cache.get(projectID)
	if !ok || len(cached.Nodes) != 1 || cached.Nodes[0].ID != "n1" {
		t.Fatalf("expected cache to hold n1, got %+v", cached)
	}

	fixture.store.mu.Lock()
	fixture.store.readErr = errors.New("store must not be consulted")
	fixture.store.mu.Unlock()

	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P1", UserName: "bob"})
	got := initialDiagram(t, bob)
	if len(got.Nodes) != 1 || got.Nodes[0].ID != "n1" || len(got.Edges) != 0 {
		t.Fatalf("expected bob to receive n1 from cache, got %+v", got)
	}
	if len(alice.named(EventDiagramInitial)) != 1 {
		t.Fatalf("initial diagram must only go to the joiner")
	}
}

func TestJoinBroadcastsPresenceToWholeRoom(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")

	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P1", UserName: "bob"})

	counts := alice.named(EventUserCount)
	if len(counts) != 2 {
		t.Fatalf("expected alice to see two presence updates, got %d", len(counts))
	}
	expected := []Member{
		{UserName: "alice", ConnectionID: "conn-alice"},
		{UserName: "bob", ConnectionID: "conn-bob"},
	}
	if roster := counts[1].Payload.([]Member); !reflect.DeepEqual(roster, expected) {
		t.Fatalf("unexpected roster %+v", roster)
	}
	if roster := bob.named(EventUserCount)[0].Payload.([]Member); !reflect.DeepEqual(roster, expected) {
		t.Fatalf("joiner must receive the roster too, got %+v", roster)
	}

	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	if members := fixture.engine.Members("P1"); len(members) != 2 {
		t.Fatalf("rejoining must not duplicate membership, got %+v", members)
	}
}

func TestJoinHydratesFromDurableStore(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	stored := diagram.Diagram{Nodes: []diagram.Node{testNode("n9")}, Edges: []diagram.Edge{{"id": "e1"}}}
	fixture.store.designs[storage.DesignPath("P2")] = stored
	client := newRecordingClient("conn-1")

	fixture.dispatch(t, client, JoinMessage{ProjectID: "P2", UserName: "carol"})

	if got := initialDiagram(t, client); !reflect.DeepEqual(got, stored) {
		t.Fatalf("expected stored diagram, got %+v", got)
	}
	if cached, ok := fixture.cache.get("P2"); !ok || !reflect.DeepEqual(cached, stored) {
		t.Fatalf("expected hydrated diagram in cache, got %+v", cached)
	}
}

func TestJoinSubstitutesEmptyDiagramOnStoreFailure(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	fixture.store.readErr = errors.New("disk unavailable")
	fixture.cache.readErr = errors.New("cache unavailable")
	client := newRecordingClient("conn-1")

	fixture.dispatch(t, client, JoinMessage{ProjectID: "P3", UserName: "dave"})

	if got := initialDiagram(t, client); !reflect.DeepEqual(got, diagram.Empty()) {
		t.Fatalf("expected empty diagram, got %+v", got)
	}
	fixture.cache.readErr = nil
	if _, ok := fixture.cache.get("P3"); ok {
		t.Fatalf("a failed durable read must not be cached")
	}
}

func TestUpdateDiagramExcludesSenderAndRoundTrips(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")
	carol := newRecordingClient("conn-carol")
	for _, client := range []*recordingClient{alice, bob, carol} {
		fixture.dispatch(t, client, JoinMessage{ProjectID: "P1", UserName: client.ID()})
	}

	updated := diagram.Diagram{
		Nodes: []diagram.Node{testNode("n1"), testNode("n2")},
		Edges: []diagram.Edge{{"id": "e1", "source": "n1", "target": "n2"}},
	}
	fixture.dispatch(t, alice, UpdateDiagramMessage{ProjectID: "P1", Diagram: updated})

	if len(alice.named(EventDiagramUpdate)) != 0 {
		t.Fatalf("sender must not receive its own update")
	}
	for _, peer := range []*recordingClient{bob, carol} {
		events := peer.named(EventDiagramUpdate)
		if len(events) != 1 || !reflect.DeepEqual(events[0].Payload, updated) {
			t.Fatalf("expected %s to receive the update, got %+v", peer.ID(), events)
		}
	}

	late := newRecordingClient("conn-late")
	fixture.dispatch(t, late, JoinMessage{ProjectID: "P1", UserName: "late"})
	if got := initialDiagram(t, late); !reflect.DeepEqual(got, updated) {
		t.Fatalf("expected hydration to return the update, got %+v", got)
	}
}

func TestNodeMutationsBroadcastDeltas(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P1", UserName: "bob"})

	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})
	fixture.dispatch(t, alice, NodeLabelChangedMessage{ProjectID: "P1", NodeID: "n1", Label: "users"})
	fixture.dispatch(t, alice, NodeDescriptionChangedMessage{ProjectID: "P1", NodeID: "n1", Description: "accounts"})
	fields := []diagram.Field{{ID: "f1", Name: "id", Type: "uuid", IsPrimary: true}, {ID: "f2", Name: "email", Type: "text"}}
	fixture.dispatch(t, alice, FieldsAddedMessage{ProjectID: "P1", NodeID: "n1", Fields: fields})
	fixture.dispatch(t, alice, FieldDeletedMessage{ProjectID: "P1", NodeID: "n1", FieldID: "f2"})

	if added := bob.named(EventNodeAdded); len(added) != 1 || added[0].Payload.(diagram.Node).ID != "n1" {
		t.Fatalf("expected node added delta, got %+v", added)
	}
	if label := bob.named(EventNodeLabelChanged); len(label) != 1 || label[0].Payload != (NodeLabelPayload{NodeID: "n1", Label: "users"}) {
		t.Fatalf("unexpected label delta %+v", label)
	}
	if description := bob.named(EventNodeDescriptionChanged); len(description) != 1 || description[0].Payload != (NodeDescriptionPayload{NodeID: "n1", Description: "accounts"}) {
		t.Fatalf("unexpected description delta %+v", description)
	}
	if added := bob.named(EventAddNodeFields); len(added) != 1 || !reflect.DeepEqual(added[0].Payload, FieldsAddedPayload{NodeID: "n1", Fields: fields}) {
		t.Fatalf("unexpected fields delta %+v", added)
	}
	if deleted := bob.named(EventDeleteNodeField); len(deleted) != 1 || deleted[0].Payload != (FieldDeletedPayload{NodeID: "n1", FieldID: "f2"}) {
		t.Fatalf("unexpected field deletion delta %+v", deleted)
	}

	cached, _ := fixture.cache.get("P1")
	node, ok := cached.FindNode("n1")
	if !ok {
		t.Fatalf("expected n1 in cache")
	}
	if node.Data.Label != "users" || node.Data.Description != "accounts" {
		t.Fatalf("unexpected node data %+v", node.Data)
	}
	if len(node.Data.Fields) != 1 || node.Data.Fields[0].ID != "f1" {
		t.Fatalf("unexpected fields %+v", node.Data.Fields)
	}
}

func TestNodeDeletedTwiceIsNoOp(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})
	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n2")})

	fixture.dispatch(t, alice, NodeDeletedMessage{ProjectID: "P1", NodeID: "n1"})
	first, _ := fixture.cache.get("P1")
	fixture.dispatch(t, alice, NodeDeletedMessage{ProjectID: "P1", NodeID: "n1"})
	second, _ := fixture.cache.get("P1")

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second delete changed the diagram: %+v vs %+v", first, second)
	}
	if len(second.Nodes) != 1 || second.Nodes[0].ID != "n2" {
		t.Fatalf("unexpected nodes %+v", second.Nodes)
	}
}

func TestDuplicateNodeIsDroppedWithoutBroadcast(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P1", UserName: "bob"})
	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})

	err := fixture.engine.Dispatch(context.Background(), alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})
	if !errors.Is(err, diagram.ErrDuplicateNodeID) {
		t.Fatalf("expected duplicate node error, got %v", err)
	}
	if added := bob.named(EventNodeAdded); len(added) != 1 {
		t.Fatalf("expected only the first add to be broadcast, got %d", len(added))
	}
	if members := fixture.engine.Members("P1"); len(members) != 2 {
		t.Fatalf("failed mutation must not alter membership, got %+v", members)
	}
}

func TestMutationRehydratesFromStoreAfterCacheExpiry(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	fixture.store.designs[storage.DesignPath("P1")] = diagram.Diagram{Nodes: []diagram.Node{testNode("n1")}}
	alice := newRecordingClient("conn-alice")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.cache.evict("P1")

	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n2")})
	cached, _ := fixture.cache.get("P1")
	if len(cached.Nodes) != 2 {
		t.Fatalf("expected durable nodes to survive cache expiry, got %+v", cached.Nodes)
	}

	fixture.cache.evict("P1")
	fixture.store.readErr = errors.New("disk unavailable")
	if err := fixture.engine.Dispatch(context.Background(), alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n3")}); err == nil {
		t.Fatalf("expected mutation to be dropped when the durable copy cannot be read")
	}
	if _, ok := fixture.cache.get("P1"); ok {
		t.Fatalf("dropped mutation must not write the cache")
	}
}

func TestMutationsCoalesceIntoSingleWriteBack(t *testing.T) {
	fixture := newEngineFixture(t, 60*time.Millisecond)
	alice := newRecordingClient("conn-alice")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})

	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode(id)})
	}
	if !fixture.engine.WriteBackPending("P1") {
		t.Fatalf("expected a pending write-back")
	}

	waitFor(t, func() bool { return fixture.store.writeCount() == 1 }, "write-back")
	time.Sleep(120 * time.Millisecond)
	if count := fixture.store.writeCount(); count != 1 {
		t.Fatalf("expected exactly one durable write, got %d", count)
	}
	if written := fixture.store.lastWrite(); len(written.Nodes) != 4 || written.Nodes[3].ID != "n4" {
		t.Fatalf("expected write-back to carry cumulative state, got %+v", written.Nodes)
	}
}

func TestWriteBackFailureClearsPendingTimer(t *testing.T) {
	fixture := newEngineFixture(t, 20*time.Millisecond)
	fixture.store.writeErr = errors.New("disk full")
	alice := newRecordingClient("conn-alice")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})

	waitFor(t, func() bool { return fixture.store.writeCount() == 1 }, "failed write-back")
	waitFor(t, func() bool { return !fixture.engine.WriteBackPending("P1") }, "pending entry cleared")
	time.Sleep(60 * time.Millisecond)
	if count := fixture.store.writeCount(); count != 1 {
		t.Fatalf("failed write-back must not retry, got %d attempts", count)
	}
}

func TestLeaveAndDisconnectUpdatePresence(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P2", UserName: "alice"})
	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P1", UserName: "bob"})
	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P2", UserName: "bob"})

	fixture.dispatch(t, alice, LeaveMessage{ProjectID: "P2"})
	if members := fixture.engine.Members("P2"); len(members) != 1 || members[0].ConnectionID != "conn-bob" {
		t.Fatalf("unexpected P2 members %+v", members)
	}
	if members := fixture.engine.Members("P1"); len(members) != 2 {
		t.Fatalf("leaving P2 must not touch P1, got %+v", members)
	}

	before := len(bob.named(EventUserCount))
	fixture.engine.Disconnect("conn-alice")
	if members := fixture.engine.Members("P1"); len(members) != 1 || members[0].UserName != "bob" {
		t.Fatalf("unexpected P1 members after disconnect %+v", members)
	}
	after := bob.named(EventUserCount)
	if len(after) != before+1 {
		t.Fatalf("expected one presence update for P1, got %d", len(after)-before)
	}
	if roster := after[len(after)-1].Payload.([]Member); len(roster) != 1 || roster[0].ConnectionID != "conn-bob" {
		t.Fatalf("unexpected roster %+v", roster)
	}
	if state := fixture.engine.RoomState("P1"); state != RoomLive {
		t.Fatalf("rooms stay live after members leave, got %s", state)
	}
}

func TestFollowChangesSchedulesAndCancelsWriteBacks(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	changes := make(chan cache.Change, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fixture.engine.FollowChanges(ctx, changes)
		close(done)
	}()

	changes <- cache.Change{Key: cache.DiagramKey("P7"), Op: cache.OpSet}
	changes <- cache.Change{Key: "rate_limit:someone", Op: cache.OpSet}
	waitFor(t, func() bool { return fixture.engine.WriteBackPending("P7") }, "scheduled write-back")

	changes <- cache.Change{Key: cache.DiagramKey("P7"), Op: cache.OpDelete}
	waitFor(t, func() bool { return !fixture.engine.WriteBackPending("P7") }, "cancelled write-back")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("FollowChanges did not return after cancellation")
	}
}

func TestCloseCancelsPendingWriteBacksAndRejectsMessages(t *testing.T) {
	fixture := newEngineFixture(t, 30*time.Millisecond)
	alice := newRecordingClient("conn-alice")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})

	fixture.engine.Close()
	time.Sleep(80 * time.Millisecond)
	if count := fixture.store.writeCount(); count != 0 {
		t.Fatalf("expected pending write-back to be cancelled, got %d writes", count)
	}
	if err := fixture.engine.Dispatch(context.Background(), alice, LeaveMessage{}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected closed engine error, got %v", err)
	}
}

func TestDispatchRejectsInvalidProject(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	err := fixture.engine.Dispatch(context.Background(), alice, JoinMessage{ProjectID: "  ", UserName: "alice"})
	if !errors.Is(err, diagram.ErrInvalidProjectID) {
		t.Fatalf("expected invalid project error, got %v", err)
	}
	if len(alice.named(EventDiagramInitial)) != 0 {
		t.Fatalf("invalid join must not hydrate")
	}
}

func TestJoinAfterCacheReadErrorKeepsLiveEntry(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	projectID := diagram.ProjectID("P1")
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")

	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, alice, NodeAddedMessage{ProjectID: "P1", Node: testNode("n1")})

	fixture.cache.mu.Lock()
	fixture.cache.failReads = 1
	fixture.cache.readErr = errors.New("cache unavailable")
	fixture.cache.mu.Unlock()

	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P1", UserName: "bob"})
	if got := initialDiagram(t, bob); len(got.Nodes) != 0 {
		t.Fatalf("expected durable copy for bob, got %+v", got)
	}

	fixture.cache.mu.Lock()
	fixture.cache.readErr = nil
	fixture.cache.mu.Unlock()
	cached, ok := fixture.cache.get(projectID)
	if !ok || len(cached.Nodes) != 1 || cached.Nodes[0].ID != "n1" {
		t.Fatalf("expected live cache entry to keep n1, got %+v", cached)
	}
}

func TestUpdateDiagramRejectsRepeatedNodeIDs(t *testing.T) {
	fixture := newEngineFixture(t, time.Hour)
	alice := newRecordingClient("conn-alice")
	bob := newRecordingClient("conn-bob")
	fixture.dispatch(t, alice, JoinMessage{ProjectID: "P1", UserName: "alice"})
	fixture.dispatch(t, bob, JoinMessage{ProjectID: "P1", UserName: "bob"})

	replacement := diagram.Diagram{Nodes: []diagram.Node{testNode("n1"), testNode("n1")}, Edges: []diagram.Edge{}}
	err := fixture.engine.Dispatch(context.Background(), alice, UpdateDiagramMessage{ProjectID: "P1", Diagram: replacement})
	if !errors.Is(err, diagram.ErrDuplicateNodeID) {
		t.Fatalf("expected duplicate node error, got %v", err)
	}
	cached, _ := fixture.cache.get("P1")
	if len(cached.Nodes) != 0 {
		t.Fatalf("expected cache untouched, got %+v", cached)
	}
	if updates := bob.named(EventDiagramUpdate); len(updates) != 0 {
		t.Fatalf("expected no broadcast, got %d", len(updates))
	}
	if fixture.engine.WriteBackPending("P1") {
		t.Fatalf("expected no write-back after rejected update")
	}
}
