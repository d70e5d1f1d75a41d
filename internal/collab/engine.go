package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/cache"
	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
	"github.com/MarcoPoloResearchLab/erdsync/internal/storage"
	"go.uber.org/zap"
)

const (
	// DefaultDebounceDelay is the quiet period before a project is persisted.
	DefaultDebounceDelay = 5 * time.Second

	writeBackTimeout = 30 * time.Second

	opJoin      = "collab.join"
	opLeave     = "collab.leave"
	opMutate    = "collab.mutate"
	opWriteBack = "collab.write_back"
	opHydrate   = "collab.hydrate"
	opSend      = "collab.send"
)

var (
	// ErrEngineClosed is returned for messages dispatched after Close.
	ErrEngineClosed = errors.New("collab: engine closed")
	// ErrUnsupportedMessage is returned for inbound values the engine does not handle.
	ErrUnsupportedMessage = errors.New("collab: unsupported message")

	errMissingCache = errors.New("diagram cache dependency required")
	errMissingStore = errors.New("design store dependency required")
)

// Client is one live connection able to receive events.
type Client interface {
	ID() string
	Send(event Event) error
}

// DiagramCache is the hot copy of each project's diagram.
type DiagramCache interface {
	LoadDiagram(ctx context.Context, projectID diagram.ProjectID) (diagram.Diagram, bool, error)
	StoreDiagram(ctx context.Context, projectID diagram.ProjectID, current diagram.Diagram) error
}

// DesignStore is the durable copy of each project's diagram.
type DesignStore interface {
	GetDesign(ctx context.Context, objectPath string) (diagram.Diagram, error)
	UpdateDesign(ctx context.Context, design diagram.Diagram, objectPath string) error
}

// RoomState is the lifecycle position of a project room.
type RoomState int

const (
	RoomAbsent RoomState = iota
	RoomHydrating
	RoomLive
)

func (s RoomState) String() string {
	switch s {
	case RoomHydrating:
		return "HYDRATING"
	case RoomLive:
		return "LIVE"
	default:
		return "NO_ROOM"
	}
}

// EngineConfig describes the dependencies of an Engine.
type EngineConfig struct {
	Cache         DiagramCache
	Store         DesignStore
	DebounceDelay time.Duration
	Logger        *zap.Logger
}

type roomMember struct {
	Member
	client Client
}

type room struct {
	state   RoomState
	members []roomMember
}

func (r *room) add(member roomMember) {
	for _, existing := range r.members {
		if existing.ConnectionID == member.ConnectionID {
			return
		}
	}
	r.members = append(r.members, member)
}

func (r *room) remove(connectionID string) bool {
	for index, existing := range r.members {
		if existing.ConnectionID == connectionID {
			r.members = append(r.members[:index], r.members[index+1:]...)
			return true
		}
	}
	return false
}

func (r *room) roster() []Member {
	roster := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		roster = append(roster, member.Member)
	}
	return roster
}

func (r *room) recipients(excludeConnectionID string) []Client {
	clients := make([]Client, 0, len(r.members))
	for _, member := range r.members {
		if member.ConnectionID == excludeConnectionID {
			continue
		}
		clients = append(clients, member.client)
	}
	return clients
}

// Engine owns project rooms, presence and debounced persistence. Rooms are
// created on first join and live until the engine closes.
type Engine struct {
	cache     DiagramCache
	store     DesignStore
	logger    *zap.Logger
	debouncer *Debouncer

	mu     sync.Mutex
	rooms  map[diagram.ProjectID]*room
	closed bool
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.DebounceDelay
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	engine := &Engine{
		cache:  cfg.Cache,
		store:  cfg.Store,
		logger: logger,
		rooms:  make(map[diagram.ProjectID]*room),
	}
	engine.debouncer = NewDebouncer(delay, engine.writeBack)
	return engine, nil
}

// RoomState reports the lifecycle position of a project room.
func (e *Engine) RoomState(projectID diagram.ProjectID) RoomState {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.rooms[projectID]
	if !ok {
		return RoomAbsent
	}
	return current.state
}

// Members returns the current presence list of a project room.
func (e *Engine) Members(projectID diagram.ProjectID) []Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.rooms[projectID]
	if !ok {
		return []Member{}
	}
	return current.roster()
}

// WriteBackPending reports whether a durable write is scheduled for projectID.
func (e *Engine) WriteBackPending(projectID diagram.ProjectID) bool {
	return e.debouncer.Pending(projectID.String())
}

// Dispatch handles one inbound message from client. Failures are logged and
// returned; they never alter room membership.
func (e *Engine) Dispatch(ctx context.Context, client Client, message Inbound) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEngineClosed
	}

	switch typed := message.(type) {
	case JoinMessage:
		return e.join(ctx, client, typed)
	case LeaveMessage:
		return e.leave(client.ID(), typed.ProjectID)
	case UpdateDiagramMessage:
		return e.mutate(ctx, client, typed.ProjectID, func(diagram.Diagram) (diagram.Diagram, error) {
			if err := typed.Diagram.Validate(); err != nil {
				return diagram.Diagram{}, err
			}
			return typed.Diagram.Normalize(), nil
		}, func(next diagram.Diagram) Event {
			return Event{Name: EventDiagramUpdate, Payload: next}
		})
	case NodeAddedMessage:
		return e.mutate(ctx, client, typed.ProjectID, func(current diagram.Diagram) (diagram.Diagram, error) {
			return current.AddNode(typed.Node)
		}, func(next diagram.Diagram) Event {
			added, _ := next.FindNode(typed.Node.ID)
			return Event{Name: EventNodeAdded, Payload: added}
		})
	case NodeDeletedMessage:
		return e.mutate(ctx, client, typed.ProjectID, func(current diagram.Diagram) (diagram.Diagram, error) {
			return current.DeleteNode(typed.NodeID), nil
		}, func(diagram.Diagram) Event {
			return Event{Name: EventNodeDeleted, Payload: NodeDeletedPayload{NodeID: typed.NodeID}}
		})
	case NodeLabelChangedMessage:
		return e.mutate(ctx, client, typed.ProjectID, func(current diagram.Diagram) (diagram.Diagram, error) {
			return current.SetNodeLabel(typed.NodeID, typed.Label), nil
		}, func(diagram.Diagram) Event {
			return Event{Name: EventNodeLabelChanged, Payload: NodeLabelPayload{NodeID: typed.NodeID, Label: typed.Label}}
		})
	case NodeDescriptionChangedMessage:
		return e.mutate(ctx, client, typed.ProjectID, func(current diagram.Diagram) (diagram.Diagram, error) {
			return current.SetNodeDescription(typed.NodeID, typed.Description), nil
		}, func(diagram.Diagram) Event {
			return Event{Name: EventNodeDescriptionChanged, Payload: NodeDescriptionPayload{NodeID: typed.NodeID, Description: typed.Description}}
		})
	case FieldsAddedMessage:
		return e.mutate(ctx, client, typed.ProjectID, func(current diagram.Diagram) (diagram.Diagram, error) {
			return current.AddFields(typed.NodeID, typed.Fields)
		}, func(diagram.Diagram) Event {
			fields := typed.Fields
			if fields == nil {
				fields = []diagram.Field{}
			}
			return Event{Name: EventAddNodeFields, Payload: FieldsAddedPayload{NodeID: typed.NodeID, Fields: fields}}
		})
	case FieldDeletedMessage:
		return e.mutate(ctx, client, typed.ProjectID, func(current diagram.Diagram) (diagram.Diagram, error) {
			return current.DeleteField(typed.NodeID, typed.FieldID), nil
		}, func(diagram.Diagram) Event {
			return Event{Name: EventDeleteNodeField, Payload: FieldDeletedPayload{NodeID: typed.NodeID, FieldID: typed.FieldID}}
		})
	default:
		err := fmt.Errorf("%w: %T", ErrUnsupportedMessage, message)
		e.logger.Warn("inbound message dropped", zap.String("connection_id", client.ID()), zap.Error(err))
		return err
	}
}

// Disconnect removes connectionID from every room and announces the new presence.
func (e *Engine) Disconnect(connectionID string) {
	_ = e.leave(connectionID, "")
}

// FollowChanges schedules write-backs for diagram keys set by any writer of the
// shared cache and cancels them when the key is deleted. It returns when ctx
// ends or changes is closed.
func (e *Engine) FollowChanges(ctx context.Context, changes <-chan cache.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			projectID, ok := cache.ProjectIDFromDiagramKey(change.Key)
			if !ok {
				continue
			}
			switch change.Op {
			case cache.OpSet:
				e.debouncer.Schedule(projectID.String())
			case cache.OpDelete:
				e.debouncer.Cancel(projectID.String())
			}
		}
	}
}

// Close cancels every pending write-back and rejects further messages.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.debouncer.Close()
}

func (e *Engine) join(ctx context.Context, client Client, message JoinMessage) error {
	projectID, err := diagram.NewProjectID(message.ProjectID)
	if err != nil {
		e.logError(opJoin, "invalid_project", err, zap.String("connection_id", client.ID()))
		return err
	}

	e.mu.Lock()
	current, ok := e.rooms[projectID]
	if !ok {
		current = &room{state: RoomHydrating}
		e.rooms[projectID] = current
	}
	current.add(roomMember{
		Member: Member{UserName: strings.TrimSpace(message.UserName), ConnectionID: client.ID()},
		client: client,
	})
	roster := current.roster()
	recipients := current.recipients("")
	e.mu.Unlock()

	e.broadcast(recipients, Event{Name: EventUserCount, Payload: roster})

	hydrated := e.hydrate(ctx, projectID)

	e.mu.Lock()
	if current.state == RoomHydrating {
		current.state = RoomLive
	}
	e.mu.Unlock()

	if err := client.Send(Event{Name: EventDiagramInitial, Payload: hydrated}); err != nil {
		e.logError(opSend, "initial_failed", err, zap.String("project_id", projectID.String()), zap.String("connection_id", client.ID()))
		return err
	}
	return nil
}

// hydrate never fails: a durable read error yields an empty diagram. The cache
// is populated only on a confirmed miss; after a cache read error the entry may
// still hold unpersisted edits, so the durable copy is served without being cached.
func (e *Engine) hydrate(ctx context.Context, projectID diagram.ProjectID) diagram.Diagram {
	projectField := zap.String("project_id", projectID.String())

	cached, found, cacheErr := e.cache.LoadDiagram(ctx, projectID)
	if cacheErr != nil {
		e.logError(opHydrate, "cache_read_failed", cacheErr, projectField)
	}
	if cacheErr == nil && found {
		return cached.Normalize()
	}

	durable, err := e.store.GetDesign(ctx, storage.DesignPath(projectID))
	switch {
	case err == nil:
		durable = durable.Normalize()
	case errors.Is(err, storage.ErrDesignNotFound):
		durable = diagram.Empty()
	default:
		e.logError(opHydrate, "store_read_failed", err, projectField)
		return diagram.Empty()
	}
	if cacheErr != nil {
		return durable
	}

	if err := e.cache.StoreDiagram(ctx, projectID, durable); err != nil {
		e.logError(opHydrate, "cache_write_failed", err, projectField)
	}
	return durable
}

func (e *Engine) leave(connectionID, rawProjectID string) error {
	var only diagram.ProjectID
	if strings.TrimSpace(rawProjectID) != "" {
		projectID, err := diagram.NewProjectID(rawProjectID)
		if err != nil {
			e.logError(opLeave, "invalid_project", err, zap.String("connection_id", connectionID))
			return err
		}
		only = projectID
	}

	type announcement struct {
		recipients []Client
		roster     []Member
	}
	var announcements []announcement

	e.mu.Lock()
	for projectID, current := range e.rooms {
		if only != "" && projectID != only {
			continue
		}
		if !current.remove(connectionID) {
			continue
		}
		announcements = append(announcements, announcement{
			recipients: current.recipients(""),
			roster:     current.roster(),
		})
	}
	e.mu.Unlock()

	for _, item := range announcements {
		e.broadcast(item.recipients, Event{Name: EventUserCount, Payload: item.roster})
	}
	return nil
}

func (e *Engine) mutate(
	ctx context.Context,
	client Client,
	rawProjectID string,
	apply func(diagram.Diagram) (diagram.Diagram, error),
	announce func(diagram.Diagram) Event,
) error {
	connectionField := zap.String("connection_id", client.ID())
	projectID, err := diagram.NewProjectID(rawProjectID)
	if err != nil {
		e.logError(opMutate, "invalid_project", err, connectionField)
		return err
	}
	projectField := zap.String("project_id", projectID.String())

	current, err := e.loadForMutation(ctx, projectID)
	if err != nil {
		e.logError(opMutate, "load_failed", err, projectField, connectionField)
		return err
	}
	next, err := apply(current)
	if err != nil {
		e.logError(opMutate, "rejected", err, projectField, connectionField)
		return err
	}
	if err := e.cache.StoreDiagram(ctx, projectID, next); err != nil {
		e.logError(opMutate, "cache_write_failed", err, projectField, connectionField)
		return err
	}
	e.debouncer.Schedule(projectID.String())

	e.mu.Lock()
	var recipients []Client
	if activeRoom, ok := e.rooms[projectID]; ok {
		recipients = activeRoom.recipients(client.ID())
	}
	e.mu.Unlock()

	e.broadcast(recipients, announce(next))
	return nil
}

// loadForMutation reads the cached diagram, falling back to the durable copy
// when the cache entry has expired. Only a confirmed-absent durable object
// yields an empty diagram.
func (e *Engine) loadForMutation(ctx context.Context, projectID diagram.ProjectID) (diagram.Diagram, error) {
	cached, found, err := e.cache.LoadDiagram(ctx, projectID)
	if err != nil {
		return diagram.Diagram{}, err
	}
	if found {
		return cached.Normalize(), nil
	}
	durable, err := e.store.GetDesign(ctx, storage.DesignPath(projectID))
	if errors.Is(err, storage.ErrDesignNotFound) {
		return diagram.Empty(), nil
	}
	if err != nil {
		return diagram.Diagram{}, err
	}
	return durable.Normalize(), nil
}

func (e *Engine) writeBack(key string) {
	projectID, err := diagram.NewProjectID(key)
	if err != nil {
		e.logError(opWriteBack, "invalid_project", err, zap.String("key", key))
		return
	}
	projectField := zap.String("project_id", projectID.String())

	ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
	defer cancel()

	current, found, err := e.cache.LoadDiagram(ctx, projectID)
	if err != nil {
		e.logError(opWriteBack, "cache_read_failed", err, projectField)
		return
	}
	if !found {
		e.logger.Debug("write-back skipped, diagram no longer cached", projectField)
		return
	}
	if err := e.store.UpdateDesign(ctx, current, storage.DesignPath(projectID)); err != nil {
		e.logError(opWriteBack, "store_write_failed", err, projectField)
		return
	}
	e.logger.Debug("diagram persisted", projectField, zap.Int("nodes", len(current.Nodes)))
}

func (e *Engine) broadcast(recipients []Client, event Event) {
	for _, recipient := range recipients {
		if err := recipient.Send(event); err != nil {
			e.logError(opSend, "broadcast_failed", err,
				zap.String("event", event.Name),
				zap.String("connection_id", recipient.ID()),
			)
		}
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("collab operation failed", logFields...)
}
