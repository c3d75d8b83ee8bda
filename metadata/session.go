package metadata

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/opd-ai/dhtcrawl/pending"
	"github.com/opd-ai/dhtcrawl/wire"
	"github.com/sirupsen/logrus"
)

// ExtState is the extension-protocol phase of a session.
type ExtState int

const (
	StateConnecting ExtState = iota
	StateHandshaking
	StateAwaitingMetadataID
	StateRequesting
	StateRejected
	StateComplete
	StateFailed
)

func (s ExtState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingMetadataID:
		return "awaiting_ut_metadata_id"
	case StateRequesting:
		return "requesting"
	case StateRejected:
		return "rejected"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// FailureKind classifies terminal session outcomes for the error
// taxonomy. Per-peer faults never fail the owning job directly.
type FailureKind int

const (
	FailNone FailureKind = iota
	FailTransport
	FailProtocol
	FailOversize
	FailVerification
	FailRejected
	FailCancelled
)

func (k FailureKind) String() string {
	switch k {
	case FailNone:
		return "none"
	case FailTransport:
		return "transport"
	case FailProtocol:
		return "protocol"
	case FailOversize:
		return "oversize"
	case FailVerification:
		return "verification"
	case FailRejected:
		return "rejected"
	case FailCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is the terminal report of one session.
type Result struct {
	Infohash krpc.ID
	Endpoint krpc.Endpoint
	State    ExtState
	Kind     FailureKind
	Duration time.Duration
	Metadata []byte // verified info dictionary bytes, success only
	Err      error
}

// Session drives the BEP 9 state machine against one peer. It is owned
// by a single goroutine (run); terminal transitions may also arrive from
// cache timeouts or a job cancel, serialized through terminate.
type Session struct {
	engine   *Engine
	infohash krpc.ID
	endpoint krpc.Endpoint
	started  time.Time

	mu           sync.Mutex
	state        ExtState
	conn         net.Conn
	remoteMsgID  byte
	metadataSize int64
	pieces       [][]byte
	received     int
	nextPiece    int
	outstanding  map[int]uint64 // piece index → cache entry id
	cacheID      uint64         // whole-session deadline entry
	terminated   bool

	done chan struct{}
}

func newSession(engine *Engine, infohash krpc.ID, endpoint krpc.Endpoint) *Session {
	return &Session{
		engine:      engine,
		infohash:    infohash,
		endpoint:    endpoint,
		started:     engine.clk.Now(),
		state:       StateConnecting,
		outstanding: make(map[int]uint64),
		done:        make(chan struct{}),
	}
}

// State reports the session's current phase.
func (s *Session) State() ExtState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run executes the session to a terminal state. The caller owns slot
// accounting; run only reports through engine.finish.
func (s *Session) run(ctx context.Context) {
	cfg := s.engine.cfg

	// Whole-session deadline, enforced through the shared cache.
	id, err := s.engine.cache.RegisterSession(pending.Entry{
		OnTimeout: func() {
			s.terminate(StateFailed, FailTransport, errors.New("session deadline exceeded"), nil)
		},
	}, cfg.SessionDeadline)
	if err != nil {
		s.terminate(StateFailed, FailCancelled, err, nil)
		return
	}
	s.mu.Lock()
	s.cacheID = id
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	conn, err := s.engine.dialer.DialContext(dialCtx, s.endpoint.String())
	cancel()
	if err != nil {
		s.terminate(StateFailed, FailTransport, fmt.Errorf("dial: %w", err), nil)
		return
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateHandshaking
	s.mu.Unlock()

	if err := s.handshake(conn); err != nil {
		return // handshake already terminated the session
	}
	s.requestLoop(conn)
}

// handshake performs the BitTorrent and extension handshakes, leaving
// the session in StateRequesting with piece slots allocated.
func (s *Session) handshake(conn net.Conn) error {
	cfg := s.engine.cfg

	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: s.infohash, PeerID: cfg.PeerID}); err != nil {
		s.terminate(StateFailed, FailTransport, err, nil)
		return err
	}
	remote, err := wire.ReadHandshake(conn)
	if err != nil {
		s.failOnRead(err)
		return err
	}
	if remote.InfoHash != s.infohash {
		err := fmt.Errorf("%w: handshake infohash mismatch", wire.ErrProtocol)
		s.terminate(StateFailed, FailProtocol, err, nil)
		return err
	}
	if !remote.Extensions {
		err := fmt.Errorf("%w: peer does not support extensions", wire.ErrProtocol)
		s.terminate(StateFailed, FailProtocol, err, nil)
		return err
	}

	s.setState(StateAwaitingMetadataID)
	body, err := wire.EncodeExtendedHandshake(wire.ExtendedHandshake{
		Messages:     map[string]int64{"ut_metadata": localMetadataMsgID},
		MetadataSize: 0,
		Version:      cfg.Version,
	})
	if err != nil {
		s.terminate(StateFailed, FailProtocol, err, nil)
		return err
	}
	if err := wire.WriteExtended(conn, body); err != nil {
		s.terminate(StateFailed, FailTransport, err, nil)
		return err
	}

	// Read until the peer's extended handshake arrives; bitfield and
	// other standard messages are irrelevant here.
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			s.failOnRead(err)
			return err
		}
		if msg.ID != wire.MsgExtended || len(msg.Payload) == 0 || msg.Payload[0] != wire.ExtHandshakeID {
			continue
		}
		hs, err := wire.DecodeExtendedHandshake(msg.Payload[1:])
		if err != nil {
			s.terminate(StateFailed, FailProtocol, err, nil)
			return err
		}
		return s.acceptExtHandshake(hs)
	}
}

func (s *Session) acceptExtHandshake(hs wire.ExtendedHandshake) error {
	cfg := s.engine.cfg

	remoteID, ok := hs.Messages["ut_metadata"]
	if !ok || remoteID <= 0 || remoteID > 255 {
		err := fmt.Errorf("%w: peer offers no ut_metadata", wire.ErrProtocol)
		s.terminate(StateFailed, FailProtocol, err, nil)
		return err
	}
	if hs.MetadataSize > cfg.MaxMetadataSize {
		err := fmt.Errorf("metadata size %d exceeds limit %d", hs.MetadataSize, cfg.MaxMetadataSize)
		s.terminate(StateFailed, FailOversize, err, nil)
		return err
	}
	if hs.MetadataSize <= 0 {
		err := fmt.Errorf("%w: peer advertises metadata size %d", wire.ErrProtocol, hs.MetadataSize)
		s.terminate(StateFailed, FailProtocol, err, nil)
		return err
	}

	numPieces := int((hs.MetadataSize + wire.MetadataPieceSize - 1) / wire.MetadataPieceSize)

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return errors.New("session already terminated")
	}
	s.remoteMsgID = byte(remoteID)
	s.metadataSize = hs.MetadataSize
	s.pieces = make([][]byte, numPieces)
	s.state = StateRequesting
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "acceptExtHandshake",
		"infohash": s.infohash.String(),
		"endpoint": s.endpoint.String(),
		"size":     hs.MetadataSize,
		"pieces":   numPieces,
	}).Debug("Metadata session negotiated")
	return nil
}

// requestLoop keeps a sliding window of piece requests outstanding and
// consumes data/reject messages until the dictionary is assembled.
func (s *Session) requestLoop(conn net.Conn) {
	if err := s.fillWindow(conn); err != nil {
		return
	}
	for {
		s.mu.Lock()
		finished := s.terminated
		s.mu.Unlock()
		if finished {
			return
		}

		msg, err := wire.ReadMessage(conn)
		if err != nil {
			s.failOnRead(err)
			return
		}
		if msg.ID != wire.MsgExtended || len(msg.Payload) == 0 || msg.Payload[0] != localMetadataMsgID {
			continue
		}
		sub, err := wire.DecodeMetadataMessage(msg.Payload[1:])
		if err != nil {
			s.terminate(StateFailed, FailProtocol, err, nil)
			return
		}

		switch sub.MsgType {
		case wire.MetadataData:
			if !s.acceptPiece(sub) {
				return
			}
			if s.assembled() {
				s.verify()
				return
			}
			if err := s.fillWindow(conn); err != nil {
				return
			}
		case wire.MetadataReject:
			s.terminate(StateRejected, FailRejected,
				fmt.Errorf("peer rejected piece %d", sub.Piece), nil)
			return
		default:
			// An inbound request; we have nothing to serve.
			s.terminate(StateFailed, FailProtocol,
				fmt.Errorf("%w: unexpected ut_metadata msg_type %d", wire.ErrProtocol, sub.MsgType), nil)
			return
		}
	}
}

// fillWindow issues requests until the window is full or every piece is
// requested. Each outstanding request carries its own piece timeout
// through the cache.
func (s *Session) fillWindow(conn net.Conn) error {
	cfg := s.engine.cfg

	for {
		s.mu.Lock()
		if s.terminated || s.nextPiece >= len(s.pieces) || len(s.outstanding) >= cfg.RequestWindow {
			s.mu.Unlock()
			return nil
		}
		piece := s.nextPiece
		s.nextPiece++
		remoteID := s.remoteMsgID
		s.mu.Unlock()

		id, err := s.engine.cache.RegisterSession(pending.Entry{
			OnTimeout: func() {
				s.terminate(StateFailed, FailTransport,
					fmt.Errorf("piece %d timed out", piece), nil)
			},
		}, cfg.PieceTimeout)
		if err != nil {
			s.terminate(StateFailed, FailCancelled, err, nil)
			return err
		}
		s.mu.Lock()
		s.outstanding[piece] = id
		s.mu.Unlock()

		body, err := wire.EncodeMetadataMessage(remoteID, wire.MetadataMessage{
			MsgType: wire.MetadataRequest,
			Piece:   int64(piece),
		})
		if err != nil {
			s.terminate(StateFailed, FailProtocol, err, nil)
			return err
		}
		if err := wire.WriteExtended(conn, body); err != nil {
			s.terminate(StateFailed, FailTransport, err, nil)
			return err
		}
	}
}

// acceptPiece validates and stores one data message. Returns false when
// the session terminated due to a violation.
func (s *Session) acceptPiece(sub wire.MetadataMessage) bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	piece := int(sub.Piece)
	if piece < 0 || piece >= len(s.pieces) {
		s.mu.Unlock()
		s.terminate(StateFailed, FailProtocol,
			fmt.Errorf("%w: piece %d out of range", wire.ErrProtocol, piece), nil)
		return false
	}

	want := wire.MetadataPieceSize
	if piece == len(s.pieces)-1 {
		want = int(s.metadataSize) - piece*wire.MetadataPieceSize
	}
	if len(sub.Data) != want {
		s.mu.Unlock()
		s.terminate(StateFailed, FailProtocol,
			fmt.Errorf("%w: piece %d is %d bytes, want %d", wire.ErrProtocol, piece, len(sub.Data), want), nil)
		return false
	}

	entryID, wasOutstanding := s.outstanding[piece]
	delete(s.outstanding, piece)
	if s.pieces[piece] == nil {
		s.pieces[piece] = sub.Data
		s.received++
	}
	s.mu.Unlock()

	if wasOutstanding {
		// Resolve quietly; the entry exists purely for its deadline.
		s.engine.cache.ResolveSession(entryID, nil)
	}
	return true
}

func (s *Session) assembled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pieces) > 0 && s.received == len(s.pieces)
}

// verify concatenates the pieces and checks SHA-1 against the infohash.
func (s *Session) verify() {
	s.mu.Lock()
	var buf bytes.Buffer
	buf.Grow(int(s.metadataSize))
	for _, p := range s.pieces {
		buf.Write(p)
	}
	raw := buf.Bytes()
	s.mu.Unlock()

	digest := sha1.Sum(raw)
	if digest != s.infohash {
		s.terminate(StateFailed, FailVerification,
			errors.New("assembled metadata does not hash to infohash"), nil)
		return
	}
	s.terminate(StateComplete, FailNone, nil, raw)
}

// setState transitions without terminating.
func (s *Session) setState(st ExtState) {
	s.mu.Lock()
	if !s.terminated {
		s.state = st
	}
	s.mu.Unlock()
}

// failOnRead maps a read error to the right terminal kind; reads cut
// short by our own termination stay with the original outcome.
func (s *Session) failOnRead(err error) {
	if errors.Is(err, wire.ErrProtocol) {
		s.terminate(StateFailed, FailProtocol, err, nil)
		return
	}
	s.terminate(StateFailed, FailTransport, err, nil)
}

// cancel terminates externally, for job cancellation.
func (s *Session) cancel() {
	s.terminate(StateFailed, FailCancelled, errors.New("cancelled"), nil)
}

// terminate moves the session to a terminal state exactly once, closes
// the socket, releases cache entries, and reports the result.
func (s *Session) terminate(st ExtState, kind FailureKind, cause error, metadata []byte) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.state = st
	conn := s.conn
	cacheID := s.cacheID
	outstanding := make([]uint64, 0, len(s.outstanding))
	for _, id := range s.outstanding {
		outstanding = append(outstanding, id)
	}
	s.outstanding = make(map[int]uint64)
	// Piece buffers are freed on every terminal state.
	s.pieces = nil
	s.received = 0
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cacheID != 0 {
		s.engine.cache.CancelSession(cacheID)
	}
	for _, id := range outstanding {
		s.engine.cache.CancelSession(id)
	}

	close(s.done)
	s.engine.finish(s, Result{
		Infohash: s.infohash,
		Endpoint: s.endpoint,
		State:    st,
		Kind:     kind,
		Duration: s.engine.clk.Now().Sub(s.started),
		Metadata: metadata,
		Err:      cause,
	})
}

// localMetadataMsgID is the extension id we advertise for ut_metadata.
const localMetadataMsgID = 1
