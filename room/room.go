package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SystemAuthor is the author reserved for lifecycle notices
const SystemAuthor = "System"

// DefaultMessageCapacity is the chat log bound used when none is configured
const DefaultMessageCapacity = 80

var (
	// ErrWrongPassword is returned when joining a private room with a bad password
	ErrWrongPassword = errors.New("wrong password")
	// ErrRoomNotFound is returned for operations naming a room that was never created
	ErrRoomNotFound = errors.New("room not found")
	// ErrTabNotFound is returned for operations naming a tab the room does not hold
	ErrTabNotFound = errors.New("tab not found")
)

// Visibility controls whether a room requires a password
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// ParseVisibility maps a client supplied room type to a Visibility.
// Anything other than "private" is public.
func ParseVisibility(s string) Visibility {
	if s == string(Private) {
		return Private
	}
	return Public
}

// Message is one chat log entry
type Message struct {
	Author string `json:"user"`
	Text   string `json:"text"`
}

// Member identifies one connected user
type Member struct {
	ID   string
	User string
}

// Snapshot is the state sent to a member when it joins
type Snapshot struct {
	Tabs     []Tab     `json:"tabs"`
	Messages []Message `json:"messages"`
}

// JoinResult is returned by a successful Join. Rejoined is set when the
// member was already in the room; no notice is appended then.
type JoinResult struct {
	Snapshot Snapshot
	Notice   Message
	Created  bool
	Rejoined bool
}

// Summary describes a room for operators
type Summary struct {
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	Tabs       int        `json:"tabs"`
	Members    int        `json:"members"`
}

// Room is a named shared workspace. Fields are guarded by mu and only
// reachable through the Registry.
type Room struct {
	mu         sync.Mutex
	name       string
	visibility Visibility
	password   string
	tabs       []Tab
	messages   []Message
	capacity   int
	members    map[string]string
	issued     map[string]struct{}
	nextTab    int
}

// Name returns the room name
func (r *Room) Name() string {
	return r.name
}

// Visibility returns the room visibility
func (r *Room) Visibility() Visibility {
	return r.visibility
}

func (r *Room) newTab(language string) Tab {
	tmpl := TemplateFor(language)
	return Tab{
		ID:   r.freshID(),
		Name: tmpl.Name,
		Lang: language,
		Code: tmpl.Code,
	}
}

// freshID returns the next tab id that this room has never held
func (r *Room) freshID() string {
	for {
		r.nextTab++
		id := tabID(r.nextTab)
		if _, used := r.issued[id]; !used {
			r.issued[id] = struct{}{}
			return id
		}
	}
}

func (r *Room) appendMessage(m Message) {
	r.messages = append(r.messages, m)
	for len(r.messages) > r.capacity {
		r.messages = r.messages[1:]
	}
}

func (r *Room) findTab(tabID string) int {
	for i := range r.tabs {
		if r.tabs[i].ID == tabID {
			return i
		}
	}
	return -1
}

func (r *Room) snapshot() Snapshot {
	return Snapshot{
		Tabs:     r.tabsCopy(),
		Messages: append([]Message(nil), r.messages...),
	}
}

func (r *Room) tabsCopy() []Tab {
	return append([]Tab(nil), r.tabs...)
}

// Registry owns every room in the process
type Registry struct {
	mu              sync.Mutex
	rooms           map[string]*Room
	capacity        int
	defaultLanguage string
}

// NewRegistry creates an empty registry. Chat logs keep at most capacity
// messages and new tabs use defaultLanguage.
func NewRegistry(capacity int, defaultLanguage string) *Registry {
	if capacity <= 0 {
		capacity = DefaultMessageCapacity
	}
	if !IsKnownLanguage(defaultLanguage) {
		defaultLanguage = LanguagePython
	}
	return &Registry{
		rooms:           make(map[string]*Room),
		capacity:        capacity,
		defaultLanguage: defaultLanguage,
	}
}

// CreateIfAbsent returns the named room, creating it with the given
// visibility and password if it does not exist. For an existing room the
// supplied values are ignored.
func (reg *Registry) CreateIfAbsent(name string, visibility Visibility, password string) *Room {
	r, _ := reg.createIfAbsent(name, visibility, password)
	return r
}

func (reg *Registry) createIfAbsent(name string, visibility Visibility, password string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[name]; ok {
		return r, false
	}

	r := &Room{
		name:       name,
		visibility: visibility,
		password:   password,
		capacity:   reg.capacity,
		members:    make(map[string]string),
		issued:     make(map[string]struct{}),
	}
	r.tabs = []Tab{r.newTab(reg.defaultLanguage)}
	reg.rooms[name] = r
	return r, true
}

func (reg *Registry) get(name string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	return r, nil
}

// Join adds a member to the named room, creating the room if needed.
// Private rooms require candidatePassword to equal the room password; the
// comparison is plain string equality. Joining a room the member is
// already in returns the current snapshot and leaves the room unchanged.
func (reg *Registry) Join(name string, member Member, visibility Visibility, candidatePassword string) (JoinResult, error) {
	r, created := reg.createIfAbsent(name, visibility, candidatePassword)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.visibility == Private && r.password != candidatePassword {
		return JoinResult{Created: created}, ErrWrongPassword
	}

	if _, ok := r.members[member.ID]; ok {
		return JoinResult{Snapshot: r.snapshot(), Rejoined: true}, nil
	}

	r.members[member.ID] = member.User
	snap := r.snapshot()
	notice := Message{Author: SystemAuthor, Text: fmt.Sprintf("%s joined.", member.User)}
	r.appendMessage(notice)

	return JoinResult{Snapshot: snap, Notice: notice, Created: created}, nil
}

// Leave removes a member and appends a leave notice. It reports false when
// the member was not in the room.
func (reg *Registry) Leave(name, memberID string) (Message, bool) {
	r, err := reg.get(name)
	if err != nil {
		return Message{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.members[memberID]
	if !ok {
		return Message{}, false
	}
	delete(r.members, memberID)

	if user == "" {
		user = "A user"
	}
	notice := Message{Author: SystemAuthor, Text: fmt.Sprintf("%s left.", user)}
	r.appendMessage(notice)
	return notice, true
}

// IsMember reports whether memberID has joined the named room
func (reg *Registry) IsMember(name, memberID string) bool {
	r, err := reg.get(name)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[memberID]
	return ok
}

// AppendMessage adds a chat message, evicting the oldest entries while the
// log is over capacity.
func (reg *Registry) AppendMessage(name string, m Message) (Message, error) {
	r, err := reg.get(name)
	if err != nil {
		return Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendMessage(m)
	return m, nil
}

// Messages returns the current chat log in arrival order
func (reg *Registry) Messages(name string) ([]Message, error) {
	r, err := reg.get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...), nil
}

// AddTab appends a default tab and returns the full tab sequence
func (reg *Registry) AddTab(name string) ([]Tab, error) {
	r, err := reg.get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs = append(r.tabs, r.newTab(reg.defaultLanguage))
	return r.tabsCopy(), nil
}

// ReplaceTabs replaces the room's tab sequence wholesale. The last writer
// wins: concurrent replacements drop each other's changes. Tabs with an
// empty or repeated id get a fresh one.
func (reg *Registry) ReplaceTabs(name string, tabs []Tab) ([]Tab, error) {
	r, err := reg.get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(tabs))
	next := make([]Tab, 0, len(tabs))
	for _, t := range tabs {
		if _, dup := seen[t.ID]; t.ID == "" || dup {
			t.ID = r.freshID()
		}
		seen[t.ID] = struct{}{}
		r.issued[t.ID] = struct{}{}
		next = append(next, t)
	}
	r.tabs = next
	return r.tabsCopy(), nil
}

// Tabs returns the room's tab sequence in display order
func (reg *Registry) Tabs(name string) ([]Tab, error) {
	r, err := reg.get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tabsCopy(), nil
}

// Tab returns one tab
func (reg *Registry) Tab(name, tabID string) (Tab, error) {
	r, err := reg.get(name)
	if err != nil {
		return Tab{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.findTab(tabID)
	if i < 0 {
		return Tab{}, fmt.Errorf("%w: %s/%s", ErrTabNotFound, name, tabID)
	}
	return r.tabs[i], nil
}

// SetTabCode updates one tab's code in place
func (reg *Registry) SetTabCode(name, tabID, code string) error {
	return reg.updateTab(name, tabID, func(t *Tab) { t.Code = code })
}

// SetTabOutput records the last captured output of one tab
func (reg *Registry) SetTabOutput(name, tabID, text string) error {
	return reg.updateTab(name, tabID, func(t *Tab) { t.Output = text })
}

func (reg *Registry) updateTab(name, tabID string, fn func(*Tab)) error {
	r, err := reg.get(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.findTab(tabID)
	if i < 0 {
		return fmt.Errorf("%w: %s/%s", ErrTabNotFound, name, tabID)
	}
	fn(&r.tabs[i])
	return nil
}

// Snapshot returns the tabs and chat log of a room
func (reg *Registry) Snapshot(name string) (Snapshot, error) {
	r, err := reg.get(name)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// Summaries describes every room, sorted by name
func (reg *Registry) Summaries() []Summary {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		out = append(out, Summary{
			Name:       r.name,
			Visibility: r.visibility,
			Tabs:       len(r.tabs),
			Members:    len(r.members),
		})
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of rooms
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
