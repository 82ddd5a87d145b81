// File: engine/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The IPC correlator. One full-duplex newline-delimited JSON stream to
// the engine subprocess multiplexes every concurrent caller: ids are
// assigned monotonically, replies are matched strictly by id, deadlines
// remove the pending entry, late replies are dropped on the floor.

package engine

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-gateway/internal/codec"
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateError
	StateLicenseError
)

// String returns the health-endpoint representation.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateLicenseError:
		return "license_error"
	}
	return "unknown"
}

type callResult struct {
	reply *codec.Reply
	err   error
}

// pendingCall is one in-flight request. The done channel has capacity 1
// so the reader never blocks delivering a result.
type pendingCall struct {
	id     uint64
	method string
	done   chan callResult
}

// Channel owns the engine stream and the pending-call set. Exactly one
// reader goroutine consumes stdout; writers serialize on writeMu only
// for the write itself, never across a wait.
type Channel struct {
	log            *zap.Logger
	defaultTimeout time.Duration
	startupWindow  time.Duration

	state atomic.Int32

	licMu       sync.Mutex
	lastLicense *LicenseError
	lastHealth  string

	writeMu sync.Mutex
	stdin   io.Writer

	pendMu    sync.Mutex
	pending   map[uint64]*pendingCall
	rawWaiter chan *codec.Reply

	nextID atomic.Uint64

	readyCh chan struct{} // closed when the ready sentinel arrives

	proc *process // nil when attached to raw pipes (tests)

	genMu sync.Mutex // serializes restart against submit races

	// generation stamps each attached reader. A reader whose stamp is
	// no longer current is orphaned: its frames and its EOF are ignored.
	generation atomic.Uint64
}

// NewChannel builds a stopped channel. Start or Attach must follow.
func NewChannel(log *zap.Logger, browserPath string, defaultTimeout time.Duration) *Channel {
	c := &Channel{
		log:            log.Named("engine"),
		defaultTimeout: defaultTimeout,
		startupWindow:  15 * time.Second,
		pending:        make(map[uint64]*pendingCall),
		readyCh:        make(chan struct{}),
	}
	c.proc = newProcess(browserPath)
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// SetStartupWindow overrides the ready-sentinel wait. Used by tests and
// the ipctest harness.
func (c *Channel) SetStartupWindow(d time.Duration) { c.startupWindow = d }

func (c *Channel) setState(s State) { c.state.Store(int32(s)) }

// LastLicenseError returns the captured record, or nil.
func (c *Channel) LastLicenseError() *LicenseError {
	c.licMu.Lock()
	defer c.licMu.Unlock()
	return c.lastLicense
}

// Start spawns the engine subprocess and waits up to the startup window
// for the ready (or license-failure) sentinel. A license failure is not
// an error: the gateway continues in limited mode.
func (c *Channel) Start() error {
	c.setState(StateStarting)
	stdin, stdout, stderr, err := c.proc.spawn()
	if err != nil {
		c.setState(StateError)
		return err
	}
	c.attach(stdin, stdout)
	go c.drainStderr(stderr)
	c.awaitStartup()
	return nil
}

// Attach wires the channel to raw pipes instead of a subprocess. Test
// entry point; also used by the ipctest harness.
func (c *Channel) Attach(stdin io.Writer, stdout io.Reader) {
	c.setState(StateStarting)
	c.attach(stdin, stdout)
	c.awaitStartup()
}

func (c *Channel) attach(stdin io.Writer, stdout io.Reader) {
	gen := c.generation.Add(1)
	c.writeMu.Lock()
	c.stdin = stdin
	c.writeMu.Unlock()
	c.pendMu.Lock()
	c.readyCh = make(chan struct{})
	c.pendMu.Unlock()
	go c.readLoop(stdout, gen)
}

func (c *Channel) awaitStartup() {
	c.pendMu.Lock()
	ready := c.readyCh
	c.pendMu.Unlock()
	select {
	case <-ready:
	case <-time.After(c.startupWindow):
		if c.State() == StateStarting {
			c.log.Warn("engine did not report ready within startup window")
		}
	}
}

// Call submits a correlated request and waits for the matching reply,
// bounded by timeout (0 means the configured default).
func (c *Channel) Call(method string, params json.RawMessage, timeout time.Duration) (*codec.Reply, error) {
	if c.State() != StateReady {
		if lic := c.LastLicenseError(); lic != nil && c.State() == StateLicenseError {
			return nil, lic
		}
		return nil, ErrNotReady
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	id := c.nextID.Add(1)
	call := &pendingCall{id: id, method: method, done: make(chan callResult, 1)}

	frame, err := codec.EncodeRequest(&codec.Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	c.pendMu.Lock()
	c.pending[id] = call
	c.pendMu.Unlock()

	c.writeMu.Lock()
	w := c.stdin
	if w != nil {
		_, err = w.Write(frame)
	} else {
		err = ErrDisconnected
	}
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		c.log.Error("engine write failed", zap.Uint64("id", id), zap.Error(err))
		return nil, ErrDisconnected
	}

	select {
	case res := <-call.done:
		return res.reply, res.err
	case <-time.After(timeout):
		// Remove the entry; a later reply for this id is dropped.
		if c.removePending(id) {
			c.log.Warn("engine call timed out", zap.Uint64("id", id), zap.String("method", method))
			return nil, ErrTimeout
		}
		// The reader won the race and already delivered.
		res := <-call.done
		return res.reply, res.err
	}
}

// RawCommand writes an already-framed payload and returns the next
// reply. Rejected while any framed call is in flight so the single
// stream cannot interleave raw and correlated traffic.
func (c *Channel) RawCommand(payload []byte, timeout time.Duration) (*codec.Reply, error) {
	if c.State() != StateReady {
		return nil, ErrNotReady
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	waiter := make(chan *codec.Reply, 1)
	c.pendMu.Lock()
	if len(c.pending) > 0 || c.rawWaiter != nil {
		c.pendMu.Unlock()
		return nil, ErrChannelBusy
	}
	c.rawWaiter = waiter
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		c.rawWaiter = nil
		c.pendMu.Unlock()
	}()

	line := append(append([]byte{}, payload...), '\n')
	c.writeMu.Lock()
	w := c.stdin
	var err error
	if w != nil {
		_, err = w.Write(line)
	} else {
		err = ErrDisconnected
	}
	c.writeMu.Unlock()
	if err != nil {
		return nil, ErrDisconnected
	}

	select {
	case rep := <-waiter:
		return rep, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// PendingCount reports in-flight framed calls.
func (c *Channel) PendingCount() int {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return len(c.pending)
}

func (c *Channel) removePending(id uint64) bool {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// readLoop consumes stdout line by line and dispatches by id. It exits
// on EOF, failing every pending call with ErrDisconnected. A loop that
// outlived a restart stops silently: its stream belongs to a previous
// engine generation and must not touch the current one.
func (c *Channel) readLoop(stdout io.Reader, gen uint64) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), codec.MaxFrameSize)
	for scanner.Scan() {
		if c.generation.Load() != gen {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rep, err := codec.DecodeReply(line)
		if err != nil {
			c.log.Warn("undecodable engine frame", zap.Error(err))
			continue
		}
		if rep.IsUnsolicited() {
			if c.handleUnsolicited(rep) {
				continue
			}
		}
		c.dispatch(rep)
	}
	if err := scanner.Err(); err != nil && c.generation.Load() == gen {
		c.log.Error("engine stdout read failed", zap.Error(err))
	}
	c.onDisconnect(gen)
}

// handleUnsolicited consumes startup and license frames. Returns false
// when the frame should still be offered to a raw waiter.
func (c *Channel) handleUnsolicited(rep *codec.Reply) bool {
	if rep.LicenseStatus != "" {
		lic := &LicenseError{
			Status:              rep.LicenseStatus,
			Message:             rep.Message,
			HardwareFingerprint: rep.HardwareFingerprint,
		}
		c.licMu.Lock()
		c.lastLicense = lic
		c.licMu.Unlock()
		c.setState(StateLicenseError)
		c.signalReady() // unblock awaitStartup; limited mode proceeds
		c.log.Warn("engine reported license failure",
			zap.String("status", lic.Status), zap.String("message", lic.Message))
		return true
	}
	if rep.Status == "ready" {
		c.setState(StateReady)
		c.licMu.Lock()
		c.lastLicense = nil
		c.licMu.Unlock()
		c.signalReady()
		c.log.Info("engine ready")
		return true
	}
	return false
}

func (c *Channel) signalReady() {
	c.pendMu.Lock()
	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}
	c.pendMu.Unlock()
}

func (c *Channel) dispatch(rep *codec.Reply) {
	c.pendMu.Lock()
	call, ok := c.pending[rep.ID]
	if ok {
		delete(c.pending, rep.ID)
	}
	waiter := c.rawWaiter
	c.pendMu.Unlock()

	if ok {
		call.done <- callResult{reply: rep}
		return
	}
	if waiter != nil {
		select {
		case waiter <- rep:
		default:
		}
		return
	}
	// Late reply for a timed-out call, or noise. Log and discard.
	c.log.Debug("discarding unmatched engine reply", zap.Uint64("id", rep.ID))
}

// onDisconnect fails all pending calls and flips the state unless a
// restart already moved it away from Ready. An EOF from an orphaned
// generation is a no-op: the pending set belongs to the new reader.
func (c *Channel) onDisconnect(gen uint64) {
	c.pendMu.Lock()
	if c.generation.Load() != gen {
		c.pendMu.Unlock()
		return
	}
	stale := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendMu.Unlock()

	for _, call := range stale {
		call.done <- callResult{err: ErrDisconnected}
	}
	if s := c.State(); s == StateReady || s == StateStarting {
		c.setState(StateError)
		c.log.Error("engine disconnected", zap.Int("failed_calls", len(stale)))
	}
}

// Restart tears the channel down to Stopped and starts again. Invoked
// after successful license mutations. Ids restart from 1.
func (c *Channel) Restart() error {
	c.genMu.Lock()
	defer c.genMu.Unlock()

	// Refuse new submits first.
	c.setState(StateStarting)

	// Brief drain for in-flight calls, then fail the stragglers.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.PendingCount() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	// Orphan the old reader before the pipes go down. Its EOF lands
	// asynchronously and must not flip the next generation to error.
	c.generation.Add(1)
	c.pendMu.Lock()
	stale := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendMu.Unlock()
	for _, call := range stale {
		call.done <- callResult{err: ErrRestarting}
	}

	if c.proc != nil {
		c.proc.terminate(3 * time.Second)
	}
	c.writeMu.Lock()
	c.stdin = nil
	c.writeMu.Unlock()
	c.setState(StateStopped)
	c.nextID.Store(0)

	if c.proc == nil {
		// Pipe-attached channels (tests) are restarted by re-Attach.
		return nil
	}
	return c.Start()
}

// Shutdown terminates the subprocess and fails pending calls.
func (c *Channel) Shutdown() {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.setState(StateStopped)
	c.generation.Add(1)
	c.pendMu.Lock()
	stale := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendMu.Unlock()
	for _, call := range stale {
		call.done <- callResult{err: ErrDisconnected}
	}
	if c.proc != nil {
		c.proc.terminate(3 * time.Second)
	}
	c.writeMu.Lock()
	c.stdin = nil
	c.writeMu.Unlock()
}

// drainStderr surfaces engine stderr lines at debug level and captures
// health lines of the form "[health] ...".
func (c *Channel) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		if strings.HasPrefix(line, "[health]") {
			c.licMu.Lock()
			c.lastHealth = strings.TrimSpace(strings.TrimPrefix(line, "[health]"))
			c.licMu.Unlock()
			continue
		}
		c.log.Debug("engine stderr", zap.String("line", line))
	}
}

// LastHealth returns the most recent engine health line, if any.
func (c *Channel) LastHealth() string {
	c.licMu.Lock()
	defer c.licMu.Unlock()
	return c.lastHealth
}
