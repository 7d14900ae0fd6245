package station

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/codestation/config"
	"github.com/isdmx/codestation/protocol"
	"github.com/isdmx/codestation/room"
	"github.com/isdmx/codestation/supervisor"
)

// Client facing texts
const (
	MsgWrongPassword = "Wrong Password!"
	MsgRoomRequired  = "Room name is required."
	MsgHTMLPreview   = "HTML preview is rendered in the browser."
)

// OperatorOwner owns runs started from the operator surface
const OperatorOwner = "mcp"

var (
	// ErrNotJoined is returned for room events from a connection that has not joined a room
	ErrNotJoined = errors.New("connection has not joined a room")
	// ErrRoomRequired is returned when join-room names no room
	ErrRoomRequired = errors.New("room name is required")
)

// Broadcaster delivers frames to connections
type Broadcaster interface {
	Subscribe(connID, room string)
	Unsubscribe(connID string)
	Publish(room, except string, data []byte)
	Send(connID string, data []byte)
}

// Options configures a Service
type Options struct {
	// DisconnectCleanup is config.CleanupOwner or config.CleanupRoom
	DisconnectCleanup string
	Supervisor        supervisor.Options
}

// OptionsFromConfig maps configuration onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DisconnectCleanup: cfg.Execution.DisconnectCleanup,
		Supervisor: supervisor.Options{
			MaxOutputBytes: cfg.Execution.MaxOutputBytes,
			Timeout:        cfg.GetTimeout(),
		},
	}
}

type session struct {
	user string
	room string
}

// RoomStatus is a room summary with its live executions
type RoomStatus struct {
	room.Summary
	Running []string `json:"running"`
}

// Status is a point in time view for health checks
type Status struct {
	Rooms   int `json:"rooms"`
	Running int `json:"running"`
}

// Service turns client events into registry mutations, executions and
// broadcasts. It is the OutputSink of its own Supervisor.
type Service struct {
	logger  *zap.Logger
	rooms   *room.Registry
	bus     Broadcaster
	sup     *supervisor.Supervisor
	cleanup string

	mu       sync.Mutex
	sessions map[string]session
}

// New creates a Service and its Supervisor
func New(logger *zap.Logger, rooms *room.Registry, runners supervisor.RunnerSet, bus Broadcaster, opts Options) *Service {
	if opts.DisconnectCleanup == "" {
		opts.DisconnectCleanup = config.CleanupOwner
	}
	s := &Service{
		logger:   logger,
		rooms:    rooms,
		bus:      bus,
		cleanup:  opts.DisconnectCleanup,
		sessions: make(map[string]session),
	}
	s.sup = supervisor.New(logger.Named("supervisor"), runners, s, opts.Supervisor)
	return s
}

// HandleMessage dispatches one client event
//
//nolint:gocyclo // One case per event
func (s *Service) HandleMessage(_ context.Context, connID string, env protocol.Envelope) {
	var err error

	switch env.Type {
	case protocol.JoinRoom:
		var p protocol.JoinRoomPayload
		if err = env.Bind(&p); err == nil {
			err = s.Join(connID, p)
		}
	case protocol.AddTab:
		var p protocol.AddTabPayload
		if err = env.Bind(&p); err == nil {
			err = s.AddTab(connID, p)
		}
	case protocol.SendMsg:
		var p protocol.SendMsgPayload
		if err = env.Bind(&p); err == nil {
			err = s.SendMessage(connID, p)
		}
	case protocol.TypeCode:
		var p protocol.TypeCodePayload
		if err = env.Bind(&p); err == nil {
			err = s.TypeCode(connID, p)
		}
	case protocol.TabsSync:
		var p protocol.TabsSyncPayload
		if err = env.Bind(&p); err == nil {
			err = s.SyncTabs(connID, p)
		}
	case protocol.RunCode:
		var p protocol.RunCodePayload
		if err = env.Bind(&p); err == nil {
			err = s.RunCode(connID, p)
		}
	case protocol.StopCode:
		var p protocol.StopCodePayload
		if err = env.Bind(&p); err == nil {
			err = s.StopCode(connID, p)
		}
	default:
		err = fmt.Errorf("unhandled event %q", env.Type)
	}

	if err != nil {
		// unknown rooms and tabs are dropped silently toward clients
		s.logger.Debug("event ignored",
			zap.String("conn", connID),
			zap.String("type", env.Type),
			zap.Error(err))
	}
}

// HandleDisconnect removes the connection from its room
func (s *Service) HandleDisconnect(_ context.Context, connID string) {
	s.leave(connID)
}

// Join enters p.Room, creating it on first use. A connection that was in
// another room leaves it only once the new join has been accepted; a
// rejected join keeps its current room. Rejoining the current room resends
// the snapshot.
func (s *Service) Join(connID string, p protocol.JoinRoomPayload) error {
	if p.Room == "" {
		s.send(connID, protocol.JoinError, MsgRoomRequired)
		return ErrRoomRequired
	}

	res, err := s.rooms.Join(p.Room, room.Member{ID: connID, User: p.User}, room.ParseVisibility(p.Type), p.Pass)
	if errors.Is(err, room.ErrWrongPassword) {
		s.logger.Info("join rejected", zap.String("conn", connID), zap.String("room", p.Room))
		s.send(connID, protocol.JoinError, MsgWrongPassword)
		return err
	}
	if err != nil {
		return err
	}

	if res.Rejoined {
		s.send(connID, protocol.JoinSuccess, res.Snapshot)
		s.logger.Debug("rejoined room", zap.String("conn", connID), zap.String("room", p.Room))
		return nil
	}

	if current, ok := s.session(connID); ok && current.room != p.Room {
		s.leave(connID)
	}

	s.mu.Lock()
	s.sessions[connID] = session{user: p.User, room: p.Room}
	s.mu.Unlock()

	s.bus.Subscribe(connID, p.Room)
	s.send(connID, protocol.JoinSuccess, res.Snapshot)
	s.publish(p.Room, "", protocol.ChatMsg, res.Notice)

	s.logger.Info("joined room",
		zap.String("conn", connID),
		zap.String("room", p.Room),
		zap.String("user", p.User),
		zap.Bool("created", res.Created))
	return nil
}

// AddTab appends a default tab to the connection's room
func (s *Service) AddTab(connID string, p protocol.AddTabPayload) error {
	roomName, err := s.joinedRoom(connID, p.Room)
	if err != nil {
		return err
	}

	tabs, err := s.rooms.AddTab(roomName)
	if err != nil {
		return err
	}
	s.publish(roomName, "", protocol.TabsUpdate, tabs)
	return nil
}

// SendMessage appends a chat message authored by the joined user
func (s *Service) SendMessage(connID string, p protocol.SendMsgPayload) error {
	sess, ok := s.session(connID)
	if !ok {
		return ErrNotJoined
	}
	s.checkRoom(connID, sess.room, p.Room)

	msg, err := s.rooms.AppendMessage(sess.room, room.Message{Author: sess.user, Text: p.Text})
	if err != nil {
		return err
	}
	s.publish(sess.room, "", protocol.ChatMsg, msg)
	return nil
}

// TypeCode stores an edit and relays it to the other members
func (s *Service) TypeCode(connID string, p protocol.TypeCodePayload) error {
	roomName, err := s.joinedRoom(connID, p.Room)
	if err != nil {
		return err
	}

	if err := s.rooms.SetTabCode(roomName, p.TabID, p.Code); err != nil {
		return err
	}
	s.publish(roomName, connID, protocol.CodeUpdate, protocol.CodeUpdatePayload{TabID: p.TabID, Code: p.Code})
	return nil
}

// SyncTabs replaces the room's tab list wholesale. Concurrent syncs
// overwrite each other; the last one wins.
func (s *Service) SyncTabs(connID string, p protocol.TabsSyncPayload) error {
	roomName, err := s.joinedRoom(connID, p.Room)
	if err != nil {
		return err
	}

	tabs, err := s.rooms.ReplaceTabs(roomName, p.Tabs)
	if err != nil {
		return err
	}
	s.publish(roomName, "", protocol.TabsUpdate, tabs)
	return nil
}

// RunCode executes a tab on behalf of the connection
func (s *Service) RunCode(connID string, p protocol.RunCodePayload) error {
	roomName, err := s.joinedRoom(connID, p.Room)
	if err != nil {
		return err
	}
	_, err = s.run(roomName, p.TabID, p.Lang, p.Code, connID)
	return err
}

// StopCode stops the tab's execution, if any
func (s *Service) StopCode(connID string, p protocol.StopCodePayload) error {
	roomName, err := s.joinedRoom(connID, p.Room)
	if err != nil {
		return err
	}
	s.sup.Stop(supervisor.Key{Room: roomName, Tab: p.TabID})
	return nil
}

// RunTab executes the stored code of a tab as the operator
func (s *Service) RunTab(roomName, tabID string) (supervisor.State, error) {
	return s.run(roomName, tabID, "", "", OperatorOwner)
}

// StopTab stops a tab's execution and reports whether one was live
func (s *Service) StopTab(roomName, tabID string) (bool, error) {
	if _, err := s.rooms.Tab(roomName, tabID); err != nil {
		return false, err
	}
	return s.sup.Stop(supervisor.Key{Room: roomName, Tab: tabID}), nil
}

// Tab returns one tab
func (s *Service) Tab(roomName, tabID string) (room.Tab, error) {
	return s.rooms.Tab(roomName, tabID)
}

// Rooms lists every room with the tabs currently executing
func (s *Service) Rooms() []RoomStatus {
	running := make(map[string][]string)
	for _, key := range s.sup.Running() {
		running[key.Room] = append(running[key.Room], key.Tab)
	}

	summaries := s.rooms.Summaries()
	out := make([]RoomStatus, 0, len(summaries))
	for _, sum := range summaries {
		tabs := running[sum.Name]
		if tabs == nil {
			tabs = []string{}
		}
		out = append(out, RoomStatus{Summary: sum, Running: tabs})
	}
	return out
}

// Status reports room and execution counts
func (s *Service) Status() Status {
	return Status{Rooms: s.rooms.Len(), Running: s.sup.Active()}
}

// Close terminates every execution
func (s *Service) Close(ctx context.Context) error {
	return s.sup.Close(ctx)
}

// PublishOutput records a tab's output and broadcasts it to the room
func (s *Service) PublishOutput(key supervisor.Key, text string) {
	if err := s.rooms.SetTabOutput(key.Room, key.Tab, text); err != nil {
		// the tab may have been removed by a sync while running
		s.logger.Debug("output for missing tab", zap.Stringer("key", key), zap.Error(err))
	}
	s.publish(key.Room, "", protocol.OutputUpdate, protocol.OutputUpdatePayload{TabID: key.Tab, Text: text})
}

func (s *Service) run(roomName, tabID, lang, code, owner string) (supervisor.State, error) {
	tab, err := s.rooms.Tab(roomName, tabID)
	if err != nil {
		return supervisor.Idle, err
	}
	if lang == "" {
		lang = tab.Lang
	}
	if code == "" {
		code = tab.Code
	}

	key := supervisor.Key{Room: roomName, Tab: tabID}
	if lang == room.LanguageHTML {
		s.sup.Preempt(key)
		s.PublishOutput(key, MsgHTMLPreview)
		return supervisor.Idle, nil
	}

	return s.sup.Run(supervisor.Request{
		Key:      key,
		Owner:    owner,
		Language: lang,
		Source:   code,
	}), nil
}

func (s *Service) leave(connID string) {
	s.mu.Lock()
	sess, ok := s.sessions[connID]
	delete(s.sessions, connID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.bus.Unsubscribe(connID)

	if notice, left := s.rooms.Leave(sess.room, connID); left {
		s.publish(sess.room, connID, protocol.ChatMsg, notice)
	}

	var stopped int
	if s.cleanup == config.CleanupRoom {
		stopped = s.sup.CleanupForRoom(sess.room)
	} else {
		stopped = s.sup.CleanupForOwner(sess.room, connID)
	}

	s.logger.Info("left room",
		zap.String("conn", connID),
		zap.String("room", sess.room),
		zap.String("cleanup", s.cleanup),
		zap.Int("stopped", stopped))
}

func (s *Service) session(connID string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[connID]
	return sess, ok
}

// joinedRoom returns the room connID joined
func (s *Service) joinedRoom(connID, claimed string) (string, error) {
	sess, ok := s.session(connID)
	if !ok {
		return "", ErrNotJoined
	}
	s.checkRoom(connID, sess.room, claimed)
	return sess.room, nil
}

func (s *Service) checkRoom(connID, joined, claimed string) {
	if claimed != "" && claimed != joined {
		s.logger.Debug("ignoring room named in payload",
			zap.String("conn", connID),
			zap.String("joined", joined),
			zap.String("claimed", claimed))
	}
}

func (s *Service) send(connID, eventType string, payload any) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("type", eventType), zap.Error(err))
		return
	}
	s.bus.Send(connID, frame)
}

func (s *Service) publish(roomName, except, eventType string, payload any) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("type", eventType), zap.Error(err))
		return
	}
	s.bus.Publish(roomName, except, frame)
}
