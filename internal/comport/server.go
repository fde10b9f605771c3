package comport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SitinCloud/Owlyshield/internal/filter"
	"github.com/SitinCloud/Owlyshield/internal/irp"
)

// Server is the control-port listener. At most one client is served at a
// time; a second connection attempt is refused until the first client
// disconnects. Disconnecting drops the agent session, which stops event
// production until the next SetAgent.
type Server struct {
	core   *filter.Core
	killer ProcessController
	logger zerolog.Logger

	ln   net.Listener
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	client net.Conn
}

// NewServer creates a Server over core. killer defaults to the OS
// controller when nil.
func NewServer(c *filter.Core, killer ProcessController, logger zerolog.Logger) *Server {
	if killer == nil {
		killer = OSProcessController{}
	}
	return &Server{
		core:   c,
		killer: killer,
		logger: logger.With().Str("component", "comport").Logger(),
		done:   make(chan struct{}),
	}
}

// Listen binds addr and starts accepting. It returns once the listener
// is ready.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding control port %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control port listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops the listener and disconnects any client.
func (s *Server) Close() error {
	close(s.done)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	if s.client != nil {
		_ = s.client.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			return
		}

		s.mu.Lock()
		if s.client != nil {
			s.mu.Unlock()
			// Port contract: one client. Refuse the newcomer.
			_ = conn.Close()
			continue
		}
		s.client = conn
		s.mu.Unlock()

		s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.disconnect(conn)

	frame := make([]byte, RequestFrameSize)
	for {
		if _, err := io.ReadFull(conn, frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("client read failed")
			}
			return
		}
		outCap := binary.LittleEndian.Uint32(frame[0:])
		msg, err := DecodeMessage(frame[4:])

		var status uint32
		var payload []byte
		if err != nil {
			status = StatusInternalError
		} else {
			status, payload = s.handle(msg, outCap)
		}

		reply := make([]byte, ReplyHeaderSize+len(payload))
		binary.LittleEndian.PutUint32(reply[0:], status)
		binary.LittleEndian.PutUint32(reply[4:], uint32(len(payload)))
		copy(reply[ReplyHeaderSize:], payload)
		if _, err := conn.Write(reply); err != nil {
			s.logger.Debug().Err(err).Msg("client write failed")
			return
		}
	}
}

func (s *Server) disconnect(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.client == conn {
		s.client = nil
	}
	s.mu.Unlock()
	s.core.AgentDisconnected()
}

// handle dispatches one request. The returned payload is bounded by the
// request type's output contract.
func (s *Server) handle(msg Message, outCap uint32) (uint32, []byte) {
	switch msg.Type {
	case MsgAddScanDirectory:
		if outCap < outCapBoolean {
			return StatusInvalidParameter, nil
		}
		if msg.Path == "" {
			return StatusInternalError, nil
		}
		ok := s.core.AddRoot(msg.Path)
		s.logger.Debug().Str("prefix", msg.Path).Bool("added", ok).Msg("add scan directory")
		return StatusSuccess, boolPayload(ok)

	case MsgRemoveScanDirectory:
		if outCap < outCapBoolean {
			return StatusInvalidParameter, nil
		}
		_, ok := s.core.RemoveRoot(msg.Path)
		s.logger.Debug().Str("prefix", msg.Path).Bool("removed", ok).Msg("remove scan directory")
		return StatusSuccess, boolPayload(ok)

	case MsgGetOps:
		if outCap != irp.MaxBatchSize {
			return StatusInvalidParameter, nil
		}
		buf := make([]byte, irp.MaxBatchSize)
		n, ops := s.core.Queue().DrainInto(buf)
		s.logger.Debug().Uint64("ops", ops).Int("bytes", n).Msg("ops drained")
		return StatusSuccess, buf[:n]

	case MsgSetAgent:
		if err := s.core.SetAgent(msg.PID, msg.Path); err != nil {
			if errors.Is(err, filter.ErrInvalidAgent) {
				return StatusInvalidParameter, nil
			}
			return StatusInternalError, nil
		}
		return StatusSuccess, nil

	case MsgTerminateGroup:
		if outCap != outCapTerminate {
			return StatusInvalidParameter, nil
		}
		result := s.terminateGroup(msg.Gid)
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, result)
		return StatusSuccess, payload

	default:
		return StatusInternalError, nil
	}
}

// terminateGroup stops every process in the group, best effort: a failed
// open or kill records the sentinel and the loop continues.
func (s *Server) terminateGroup(gidVal uint64) uint32 {
	registry := s.core.Registry()
	size, found := registry.GroupSize(gidVal)
	if !found || size == 0 {
		s.logger.Warn().Uint64("gid", gidVal).Msg("terminate: group already ended or unknown")
		return StatusNoSuchGroup
	}

	pids := make([]uint32, size)
	n, _ := registry.SnapshotPids(gidVal, pids)
	pids = pids[:n]

	result := StatusSuccess
	failures := 0
	for _, pid := range pids {
		s.logger.Info().Uint32("pid", pid).Uint64("gid", gidVal).Msg("terminating process")
		if err := s.killer.Terminate(pid); err != nil {
			result = StatusFailCheck
			failures++
			s.logger.Warn().Err(err).Uint32("pid", pid).Msg("terminate failed")
			continue
		}
	}
	s.core.PublishGroupTerminated(gidVal, pids, failures)
	return result
}

func boolPayload(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
