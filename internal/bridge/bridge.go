// Package bridge exposes a phone companion app, connected over a WebSocket,
// as a uiauto.Device. The app answers capture and action requests and may push
// events (posted notifications) on the same connection.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neboloop/vox/internal/agent/uiauto"
	"github.com/neboloop/vox/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultCallTimeout bounds a single request to the device.
	DefaultCallTimeout = 15 * time.Second

	codeNodeGone = "node_gone"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The companion app is not a browser; there is no origin to check.
		return true
	},
}

type request struct {
	ID      string            `json:"id"`
	Op      string            `json:"op"`
	Handle  string            `json:"handle,omitempty"`
	Action  string            `json:"action,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
	Gesture *uiauto.Gesture   `json:"gesture,omitempty"`
}

// frame is anything the device sends: a response (ID set) or an event.
type frame struct {
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Tree  *uiauto.RawTree `json:"tree,omitempty"`
	Text  string          `json:"text,omitempty"`

	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventHandler receives device-pushed events such as "notification".
type EventHandler func(kind string, data json.RawMessage)

// Bridge holds at most one attached device. A new connection replaces the old one.
type Bridge struct {
	mu      sync.Mutex
	peer    *peer
	onEvent EventHandler
	timeout time.Duration
	log     *zap.SugaredLogger
}

// New creates a bridge with no device attached.
func New(onEvent EventHandler) *Bridge {
	return &Bridge{onEvent: onEvent, timeout: DefaultCallTimeout, log: logging.Named("bridge")}
}

// SetCallTimeout overrides DefaultCallTimeout.
func (b *Bridge) SetCallTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.timeout = d
	}
}

// Connected reports whether a device is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// ServeHTTP upgrades the request and serves the device until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnf("device upgrade failed: %v", err)
		return
	}
	p := newPeer(conn)

	b.mu.Lock()
	prev := b.peer
	b.peer = p
	b.mu.Unlock()
	if prev != nil {
		b.log.Infof("device %s replaced by %s", prev.remote, p.remote)
		prev.close()
	}
	b.log.Infof("device attached from %s", p.remote)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pingLoop()
	}()
	p.readLoop(b.dispatch)
	p.close()
	wg.Wait()

	b.mu.Lock()
	if b.peer == p {
		b.peer = nil
	}
	b.mu.Unlock()
	b.log.Infof("device from %s detached", p.remote)
}

// Close drops the attached device, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	p := b.peer
	b.peer = nil
	b.mu.Unlock()
	if p != nil {
		p.close()
	}
}

func (b *Bridge) dispatch(f frame) {
	if f.Event == "" || b.onEvent == nil {
		return
	}
	b.onEvent(f.Event, f.Data)
}

func (b *Bridge) call(ctx context.Context, req request) (frame, error) {
	b.mu.Lock()
	p, timeout := b.peer, b.timeout
	b.mu.Unlock()
	if p == nil {
		return frame{}, uiauto.ErrDeviceDisconnected
	}

	req.ID = uuid.NewString()
	ch, err := p.register(req.ID)
	if err != nil {
		return frame{}, err
	}
	defer p.unregister(req.ID)

	if err := p.send(req); err != nil {
		return frame{}, fmt.Errorf("%w: %v", uiauto.ErrDeviceDisconnected, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.OK {
			return resp, nil
		}
		if resp.Code == codeNodeGone {
			return resp, uiauto.ErrNodeGone
		}
		if resp.Error == "" {
			resp.Error = "unspecified device error"
		}
		return resp, errors.New(resp.Error)
	case <-p.done:
		return frame{}, uiauto.ErrDeviceDisconnected
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, fmt.Errorf("device did not answer %s within %s", req.Op, timeout)
	}
}

// CaptureTree implements uiauto.Device.
func (b *Bridge) CaptureTree(ctx context.Context) (*uiauto.RawTree, error) {
	resp, err := b.call(ctx, request{Op: "capture"})
	if err != nil {
		return nil, err
	}
	if resp.Tree == nil {
		return nil, errors.New("device returned no tree")
	}
	return resp.Tree, nil
}

// NodeAction implements uiauto.Device.
func (b *Bridge) NodeAction(ctx context.Context, handle string, action uiauto.NodeAction, args map[string]string) error {
	_, err := b.call(ctx, request{Op: "node_action", Handle: handle, Action: string(action), Args: args})
	return err
}

// GlobalAction implements uiauto.Device.
func (b *Bridge) GlobalAction(ctx context.Context, action uiauto.GlobalAction, args map[string]string) (string, error) {
	resp, err := b.call(ctx, request{Op: "global_action", Action: string(action), Args: args})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Gesture implements uiauto.Device.
func (b *Bridge) Gesture(ctx context.Context, g uiauto.Gesture) error {
	_, err := b.call(ctx, request{Op: "gesture", Gesture: &g})
	return err
}

var _ uiauto.Device = (*Bridge)(nil)

type peer struct {
	conn    *websocket.Conn
	remote  string
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	done    chan struct{}
	once    sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}
}

func (p *peer) register(id string) (chan frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return nil, uiauto.ErrDeviceDisconnected
	default:
	}
	ch := make(chan frame, 1)
	p.pending[id] = ch
	return ch, nil
}

func (p *peer) unregister(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *peer) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) readLoop(onEvent func(frame)) {
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	log := logging.Named("bridge")
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("device read error: %v", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("dropping malformed device frame: %v", err)
			continue
		}
		if f.ID == "" {
			onEvent(f)
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[f.ID]
		p.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}
	}
}

func (p *peer) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.writeMu.Lock()
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := p.conn.WriteMessage(websocket.PingMessage, nil)
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.done)
		p.mu.Unlock()
		p.conn.Close()
	})
}
