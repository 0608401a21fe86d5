package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"earshot/internal/debuglog"
)

type mpvCommand struct {
	Command   []interface{} `json:"command"`
	RequestID int           `json:"request_id,omitempty"`
}

type mpvResponse struct {
	Data      interface{} `json:"data"`
	RequestID int         `json:"request_id"`
	Error     string      `json:"error"`
}

type mpvEvent struct {
	Event  string      `json:"event"`
	ID     int         `json:"id,omitempty"`
	Name   string      `json:"name,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// MPV drives an mpv process over its JSON IPC socket. The process is spawned
// idle once and reused for every loaded item.
type MPV struct {
	def        Definition
	socketPath string
	cmd        *exec.Cmd

	mu       sync.Mutex
	state    State
	playing  bool
	position int64
	duration int64
	buffered int64
	speed    float64
	item     *Item
	closed   bool

	listenerMu sync.Mutex
	listeners  map[int]func(Event)
	nextID     int

	events    chan Event
	eventConn net.Conn
	eventStop chan struct{}
}

// NewMPV spawns the engine binary named in the registry and connects to its
// IPC socket.
func NewMPV(registry *Registry, name string) (*MPV, error) {
	def, err := registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	m := &MPV{
		def:        def,
		socketPath: fmt.Sprintf("%s/earshot-%s-%d.sock", os.TempDir(), def.Binary, os.Getpid()),
		state:      StateIdle,
		duration:   DurationUnset,
		speed:      1.0,
		listeners:  make(map[int]func(Event)),
		events:     make(chan Event, 64),
		eventStop:  make(chan struct{}),
	}

	// Clean up any stale socket from a previous run
	os.Remove(m.socketPath)

	args := append([]string{}, def.Args...)
	args = append(args, fmt.Sprintf(def.IPCFlag, m.socketPath))
	m.cmd = exec.Command(def.Binary, args...)

	if err := m.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", def.Binary, err)
	}

	socketReady := false
	for i := 0; i < 20; i++ {
		if _, err := os.Stat(m.socketPath); err == nil {
			socketReady = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !socketReady {
		m.cmd.Process.Kill()
		m.cmd.Wait()
		return nil, fmt.Errorf("%s socket not created after timeout", def.Binary)
	}

	if err := m.startEventListener(); err != nil {
		m.cmd.Process.Kill()
		m.cmd.Wait()
		return nil, err
	}

	go m.dispatch()

	return m, nil
}

// observed properties, ids matter only for debugging
var observedProperties = []string{
	"time-pos",
	"duration",
	"pause",
	"speed",
	"demuxer-cache-time",
	"paused-for-cache",
	"eof-reached",
}

func (m *MPV) startEventListener() error {
	conn, err := net.Dial("unix", m.socketPath)
	if err != nil {
		return fmt.Errorf("connecting for events: %w", err)
	}

	for i, prop := range observedProperties {
		cmd := mpvCommand{Command: []interface{}{"observe_property", i + 1, prop}}
		data, _ := json.Marshal(cmd)
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			conn.Close()
			return fmt.Errorf("observing %s: %w", prop, err)
		}
	}

	m.eventConn = conn
	go m.handleEvents()
	return nil
}

// handleEvents reads the event stream line by line. The read blocks without a
// deadline so a message split across writes is never dropped mid-line; Close
// unblocks it by closing the connection.
func (m *MPV) handleEvents() {
	defer m.eventConn.Close()

	reader := bufio.NewReader(m.eventConn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-m.eventStop:
			default:
				debuglog.Warnf("mpv event reader stopped: %v", err)
			}
			return
		}

		var event mpvEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		m.handleEvent(event)
	}
}

func (m *MPV) handleEvent(event mpvEvent) {
	switch event.Event {
	case "property-change":
		m.handlePropertyChange(event)

	case "file-loaded":
		m.mu.Lock()
		m.state = StateReady
		item := m.item
		m.mu.Unlock()
		m.emit(Event{Kind: EventStateChanged, State: StateReady})
		m.emit(Event{Kind: EventItemTransition, Item: item})

	case "end-file":
		if event.Reason == "eof" {
			m.mu.Lock()
			if m.duration > 0 {
				m.position = m.duration
			}
			m.state = StateEnded
			m.playing = false
			m.mu.Unlock()
			m.emit(Event{Kind: EventStateChanged, State: StateEnded})
			m.emit(Event{Kind: EventIsPlayingChanged, IsPlaying: false})
		} else if event.Reason == "stop" || event.Reason == "quit" {
			m.mu.Lock()
			m.state = StateIdle
			m.playing = false
			m.mu.Unlock()
			m.emit(Event{Kind: EventStateChanged, State: StateIdle})
		}
	}
}

func (m *MPV) handlePropertyChange(event mpvEvent) {
	switch event.Name {
	case "time-pos":
		if pos, ok := event.Data.(float64); ok && pos >= 0 {
			m.mu.Lock()
			m.position = int64(pos * 1000)
			m.mu.Unlock()
		}

	case "duration":
		if dur, ok := event.Data.(float64); ok && dur > 0 {
			m.mu.Lock()
			m.duration = int64(dur * 1000)
			m.mu.Unlock()
		}

	case "pause":
		if paused, ok := event.Data.(bool); ok {
			m.mu.Lock()
			wasPlaying := m.playing
			m.playing = !paused && m.state == StateReady
			changed := wasPlaying != m.playing
			playing := m.playing
			m.mu.Unlock()
			if changed {
				m.emit(Event{Kind: EventIsPlayingChanged, IsPlaying: playing})
			}
		}

	case "speed":
		if speed, ok := event.Data.(float64); ok && speed > 0 {
			m.mu.Lock()
			m.speed = speed
			m.mu.Unlock()
			m.emit(Event{Kind: EventSpeedChanged, Speed: speed})
		}

	case "demuxer-cache-time":
		if cache, ok := event.Data.(float64); ok && cache >= 0 {
			m.mu.Lock()
			m.buffered = int64(cache * 1000)
			m.mu.Unlock()
		}

	case "paused-for-cache":
		if stalled, ok := event.Data.(bool); ok {
			m.mu.Lock()
			var next State
			if stalled {
				next = StateBuffering
			} else if m.state == StateBuffering && m.item != nil {
				next = StateReady
			} else {
				m.mu.Unlock()
				return
			}
			m.state = next
			m.mu.Unlock()
			m.emit(Event{Kind: EventStateChanged, State: next})
		}

	case "eof-reached":
		// handled through end-file, which carries the reason
	}
}

// emit routes every event through one channel so listeners observe them in
// the order they occurred.
func (m *MPV) emit(ev Event) {
	m.mu.Lock()
	ev.Position = m.position
	ev.Duration = m.duration
	m.mu.Unlock()

	select {
	case m.events <- ev:
	default:
		debuglog.Warnf("mpv event dropped, queue full")
	}
}

func (m *MPV) dispatch() {
	for {
		select {
		case <-m.eventStop:
			return
		case ev := <-m.events:
			m.listenerMu.Lock()
			fns := make([]func(Event), 0, len(m.listeners))
			for _, fn := range m.listeners {
				fns = append(fns, fn)
			}
			m.listenerMu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}

func (m *MPV) send(cmd mpvCommand) (*mpvResponse, error) {
	conn, err := net.Dial("unix", m.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s socket: %w", m.def.Binary, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("writing command: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		responseData, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		var response mpvResponse
		if err := json.Unmarshal(responseData, &response); err != nil {
			continue
		}
		// Skip interleaved event lines on this connection
		if response.Error == "" {
			continue
		}
		if response.Error != "success" {
			return &response, fmt.Errorf("%s error: %s", m.def.Binary, response.Error)
		}
		return &response, nil
	}
}

func (m *MPV) Load(item Item, startPositionMs int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	itemCopy := item
	m.item = &itemCopy
	m.position = startPositionMs
	m.duration = DurationUnset
	m.buffered = 0
	m.state = StateBuffering
	m.playing = false
	m.mu.Unlock()

	m.emit(Event{Kind: EventStateChanged, State: StateBuffering})

	if _, err := m.send(mpvCommand{Command: []interface{}{"set_property", "pause", true}}); err != nil {
		return err
	}

	load := []interface{}{"loadfile", item.EnclosureURL, "replace"}
	if startPositionMs > 0 {
		load = append(load, fmt.Sprintf("start=%.3f", float64(startPositionMs)/1000))
	}
	if _, err := m.send(mpvCommand{Command: load}); err != nil {
		return fmt.Errorf("loading %s: %w", item.EnclosureURL, err)
	}

	return nil
}

func (m *MPV) Play() error {
	m.mu.Lock()
	if m.closed || m.item == nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := m.send(mpvCommand{Command: []interface{}{"set_property", "pause", false}})
	return err
}

func (m *MPV) Pause() error {
	m.mu.Lock()
	if m.closed || m.item == nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := m.send(mpvCommand{Command: []interface{}{"set_property", "pause", true}})
	return err
}

func (m *MPV) SeekTo(positionMs int64) error {
	m.mu.Lock()
	if m.closed || m.item == nil {
		m.mu.Unlock()
		return nil
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if m.duration > 0 && positionMs > m.duration {
		positionMs = m.duration
	}
	old := m.position
	m.position = positionMs
	m.mu.Unlock()

	// The discontinuity carries the pre-seek position: that is the point the
	// user actually listened to.
	m.emit(Event{Kind: EventPositionDiscontinuity, OldPosition: old, NewPosition: positionMs, Reason: ReasonSeek})

	_, err := m.send(mpvCommand{Command: []interface{}{"seek", float64(positionMs) / 1000, "absolute"}})
	return err
}

func (m *MPV) SetSpeed(multiplier float64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := m.send(mpvCommand{Command: []interface{}{"set_property", "speed", multiplier}})
	return err
}

func (m *MPV) Position() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

func (m *MPV) Duration() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

func (m *MPV) BufferedPosition() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffered
}

func (m *MPV) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MPV) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *MPV) CurrentItem() *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.item
}

func (m *MPV) ItemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.item != nil {
		return 1
	}
	return 0
}

func (m *MPV) Subscribe(fn func(Event)) func() {
	m.listenerMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

func (m *MPV) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateIdle
	m.playing = false
	m.item = nil
	m.mu.Unlock()

	close(m.eventStop)
	if m.eventConn != nil {
		m.eventConn.Close()
	}

	if m.cmd != nil && m.cmd.Process != nil {
		m.send(mpvCommand{Command: []interface{}{"quit"}})

		done := make(chan error, 1)
		go func() {
			done <- m.cmd.Wait()
		}()

		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
			if err := m.cmd.Process.Kill(); err != nil {
				debuglog.Warnf("killing %s: %v", m.def.Binary, err)
			}
			<-done
		}
	}

	os.Remove(m.socketPath)
	return nil
}
