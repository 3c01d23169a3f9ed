// Package peer implements the direct transport: a WebRTC data channel per
// host/remote pair, negotiated through the peer broker.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/protocol"
	"teleprompter/pkg/roomcode"
	"teleprompter/pkg/session"
	"teleprompter/pkg/webrtc/ice"
)

// DefaultName is the transport name reported to the session.
const DefaultName = "direct"

const (
	dataChannelLabel = "control"
	writeTimeout     = 10 * time.Second
)

var (
	// ErrHostNotFound is returned to a remote when no host is registered for the code.
	ErrHostNotFound = errors.New("host not found")
	errAlreadyOpen  = errors.New("peer: already open")
)

// Options configures a peer Transport.
type Options struct {
	// BrokerURL is the broker endpoint, e.g. ws://10.0.0.5:8080/peer.
	BrokerURL string
	Name      string
	// ICEServers is used when the broker does not advertise any.
	ICEServers []protocol.ICEServer
	Dialer     *websocket.Dialer
	// API overrides the pion API, e.g. to install a SettingEngine.
	API    *webrtc.API
	Logger *zerolog.Logger
}

// Transport is a session.Transport over WebRTC data channels. A host accepts
// any number of remotes; a remote holds one channel to its host.
type Transport struct {
	brokerURL  string
	name       string
	iceServers []protocol.ICEServer
	dialer     *websocket.Dialer
	api        *webrtc.API
	logger     zerolog.Logger

	mu  sync.Mutex
	cur *conn
}

func New(opts Options) *Transport {
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	api := opts.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Transport{
		brokerURL:  opts.BrokerURL,
		name:       name,
		iceServers: opts.ICEServers,
		dialer:     dialer,
		api:        api,
		logger:     logger.With().Str("transport", name).Logger(),
	}
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) Direct() bool { return true }

// Open registers on the broker. A host is ready once its peer id is
// registered; a remote is ready once its data channel to the host is open.
func (t *Transport) Open(ctx context.Context, role session.Role, code string, deliver session.Deliver) error {
	t.mu.Lock()
	if t.cur != nil {
		t.mu.Unlock()
		return errAlreadyOpen
	}
	t.mu.Unlock()

	localID := roomcode.PeerID(code)
	if role == session.RoleRemote {
		localID = uuid.NewString()
	}

	ws, _, err := t.dialer.DialContext(ctx, t.brokerURL, nil)
	if err != nil {
		return fmt.Errorf("peer broker: %w", err)
	}
	c := newConn(t, ws, role, localID, roomcode.PeerID(code), deliver)

	servers, err := c.register(ctx)
	if err != nil {
		_ = ws.Close()
		return err
	}
	if len(servers) == 0 {
		servers = t.iceServers
	}
	c.config = webrtc.Configuration{ICEServers: ice.ToPion(servers)}

	go c.readLoop()

	if role == session.RoleRemote {
		if err := c.dialHost(ctx); err != nil {
			c.close()
			return err
		}
	}

	t.mu.Lock()
	t.cur = c
	t.mu.Unlock()
	c.logger.Info().Msg("direct transport ready")
	return nil
}

func (t *Transport) current() *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Send writes msg to every open data channel. A host without remotes
// accepts the message and drops it.
func (t *Transport) Send(_ context.Context, msg protocol.ControlMessage) error {
	c := t.current()
	if c == nil {
		return session.ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.broadcast(string(data))
}

func (t *Transport) Ready() bool {
	c := t.current()
	return c != nil && c.ready()
}

// Peers counts open data channels.
func (t *Transport) Peers() int {
	c := t.current()
	if c == nil {
		return 0
	}
	return c.openChannels()
}

// LocalID is the broker id of the current session, empty when closed.
func (t *Transport) LocalID() string {
	c := t.current()
	if c == nil {
		return ""
	}
	return c.localID
}

func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.cur
	t.cur = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	c.close()
	return nil
}

// threadSafeWriter serializes writes to the broker socket; pion callbacks
// trickle candidates from their own goroutines.
type threadSafeWriter struct {
	*websocket.Conn
	sync.Mutex
}

func (w *threadSafeWriter) WriteJSON(v interface{}) error {
	w.Lock()
	defer w.Unlock()
	_ = w.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.Conn.WriteJSON(v)
}

// conn is one Open..Close lifetime of the transport.
type conn struct {
	t       *Transport
	ws      *threadSafeWriter
	role    session.Role
	localID string
	hostID  string
	deliver session.Deliver
	config  webrtc.Configuration
	logger  zerolog.Logger

	mu         sync.Mutex
	links      map[string]*link
	registered bool
	closed     bool
	// hostErr receives broker errors about the host while a remote dials.
	hostErr chan error
	done    chan struct{}
}

func newConn(t *Transport, ws *websocket.Conn, role session.Role, localID, hostID string, deliver session.Deliver) *conn {
	return &conn{
		t:       t,
		ws:      &threadSafeWriter{Conn: ws},
		role:    role,
		localID: localID,
		hostID:  hostID,
		deliver: deliver,
		logger:  t.logger.With().Str("peer_id", localID).Str("role", string(role)).Logger(),
		links:   make(map[string]*link),
		hostErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// register claims localID on the broker and returns the advertised ICE servers.
func (c *conn) register(ctx context.Context) ([]protocol.ICEServer, error) {
	if err := c.ws.WriteJSON(protocol.BrokerMessage{Type: protocol.BrokerRegister, ID: c.localID}); err != nil {
		return nil, fmt.Errorf("peer broker: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	servers, err := c.awaitRegistration()
	if !stop() {
		return nil, ctx.Err()
	}
	return servers, err
}

func (c *conn) awaitRegistration() ([]protocol.ICEServer, error) {
	for {
		var msg protocol.BrokerMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("peer broker: %w", err)
		}
		switch msg.Type {
		case protocol.BrokerRegistered:
			c.mu.Lock()
			c.registered = true
			c.mu.Unlock()
			return msg.ICEServers, nil
		case protocol.BrokerIDTaken:
			return nil, session.ErrIDTaken
		case protocol.BrokerError:
			return nil, fmt.Errorf("peer broker: %s", msg.Error)
		}
	}
}

func (c *conn) readLoop() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.registered = false
		c.mu.Unlock()
	}()
	for {
		var msg protocol.BrokerMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn().Err(err).Msg("broker connection lost")
			}
			return
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg protocol.BrokerMessage) {
	switch msg.Type {
	case protocol.BrokerSignal:
		var sig protocol.Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			c.logger.Debug().Err(err).Str("from", msg.From).Msg("bad signal")
			return
		}
		if err := c.handleSignal(msg.From, sig); err != nil {
			c.logger.Warn().Err(err).Str("from", msg.From).Str("kind", string(sig.Kind)).Msg("signal failed")
		}
	case protocol.BrokerPeerLeft:
		c.dropLink(msg.From)
	case protocol.BrokerError:
		if msg.To == c.hostID && c.role == session.RoleRemote {
			select {
			case c.hostErr <- fmt.Errorf("%w: %s", ErrHostNotFound, c.hostID):
			default:
			}
			return
		}
		c.logger.Debug().Str("error", msg.Error).Msg("broker error")
	}
}

func (c *conn) handleSignal(from string, sig protocol.Signal) error {
	switch sig.Kind {
	case protocol.SignalOffer:
		if c.role != session.RoleHost {
			return errors.New("offer sent to a remote")
		}
		return c.answer(from, sig.SDP)
	case protocol.SignalAnswer:
		l := c.link(from)
		if l == nil {
			return errors.New("answer without offer")
		}
		return l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
	case protocol.SignalCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Candidate, &cand); err != nil {
			return err
		}
		l := c.link(from)
		if l == nil {
			return errors.New("candidate for unknown peer")
		}
		return l.addCandidate(cand)
	}
	return fmt.Errorf("unknown signal kind %q", sig.Kind)
}

// dialHost offers a data channel to the host and waits for it to open.
func (c *conn) dialHost(ctx context.Context) error {
	l, err := c.newLink(c.hostID)
	if err != nil {
		return err
	}
	ordered := true
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	if err := c.signal(c.hostID, protocol.Signal{Kind: protocol.SignalOffer, SDP: offer.SDP}); err != nil {
		return err
	}

	select {
	case <-l.opened:
		return nil
	case err := <-c.hostErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) answer(from, sdp string) error {
	c.dropLink(from)
	l, err := c.newLink(from)
	if err != nil {
		return err
	}
	l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == dataChannelLabel {
			l.attach(dc)
		}
	})
	if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}
	ans, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(ans); err != nil {
		return err
	}
	c.logger.Info().Str("remote_id", from).Msg("answering remote")
	return c.signal(from, protocol.Signal{Kind: protocol.SignalAnswer, SDP: ans.SDP})
}

func (c *conn) newLink(remoteID string) (*link, error) {
	pc, err := c.t.api.NewPeerConnection(c.config)
	if err != nil {
		return nil, err
	}
	l := &link{id: remoteID, pc: pc, conn: c, opened: make(chan struct{})}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		if err := c.signal(remoteID, protocol.Signal{Kind: protocol.SignalCandidate, Candidate: raw}); err != nil {
			c.logger.Debug().Err(err).Msg("trickle candidate")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("remote_id", remoteID).Str("state", s.String()).Msg("peer connection state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.dropLinkIf(remoteID, l)
		}
	})

	c.mu.Lock()
	c.links[remoteID] = l
	c.mu.Unlock()
	return l, nil
}

func (c *conn) link(id string) *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[id]
}

func (c *conn) dropLink(id string) {
	c.mu.Lock()
	l := c.links[id]
	delete(c.links, id)
	c.mu.Unlock()
	if l != nil {
		_ = l.pc.Close()
	}
}

func (c *conn) dropLinkIf(id string, l *link) {
	c.mu.Lock()
	if c.links[id] != l {
		c.mu.Unlock()
		return
	}
	delete(c.links, id)
	c.mu.Unlock()
	go l.pc.Close()
}

func (c *conn) signal(to string, sig protocol.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return c.ws.WriteJSON(protocol.BrokerMessage{Type: protocol.BrokerSignal, To: to, Data: data})
}

func (c *conn) broadcast(text string) error {
	c.mu.Lock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	sent := 0
	var errs []error
	for _, l := range links {
		dc := l.channel()
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := dc.SendText(text); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 && c.role == session.RoleRemote {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		return session.ErrClosed
	}
	return nil
}

func (c *conn) openChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.links {
		if dc := l.channel(); dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
			n++
		}
	}
	return n
}

func (c *conn) ready() bool {
	if c.role == session.RoleHost {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.registered
	}
	return c.openChannels() > 0
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	links := c.links
	c.links = make(map[string]*link)
	c.mu.Unlock()

	for _, l := range links {
		_ = l.pc.Close()
	}
	_ = c.ws.Close()
	select {
	case <-c.done:
	case <-time.After(writeTimeout):
	}
}

// link is the peer connection to one counterpart.
type link struct {
	id   string
	pc   *webrtc.PeerConnection
	conn *conn

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []webrtc.ICECandidateInit
	remote  bool
	opened  chan struct{}
	once    sync.Once
}

func (l *link) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.conn.logger.Info().Str("remote_id", l.id).Msg("data channel open")
		l.once.Do(func() { close(l.opened) })
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		msg, err := protocol.Decode(m.Data)
		if err != nil {
			l.conn.logger.Debug().Err(err).Str("remote_id", l.id).Msg("bad control message")
			return
		}
		if l.conn.deliver != nil {
			l.conn.deliver(msg)
		}
	})
	dc.OnClose(func() {
		l.conn.logger.Info().Str("remote_id", l.id).Msg("data channel closed")
	})
}

func (l *link) channel() *webrtc.DataChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dc
}

func (l *link) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.mu.Lock()
	l.remote = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, cand := range pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// addCandidate buffers candidates that arrive before the remote description.
func (l *link) addCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remote {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(cand)
}
