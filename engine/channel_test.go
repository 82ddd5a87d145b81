// File: engine/channel_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/hioload-gateway/internal/codec"
)

// mockEngine scripts the far side of the IPC stream.
type mockEngine struct {
	stdin  *io.PipeReader // gateway writes land here
	stdout *io.PipeWriter // gateway reads come from here
	mu     sync.Mutex
}

func newMockEngine() (*Channel, *mockEngine) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	me := &mockEngine{stdin: inR, stdout: outW}

	ch := &Channel{
		log:            zap.NewNop(),
		defaultTimeout: 2 * time.Second,
		startupWindow:  time.Second,
		pending:        make(map[uint64]*pendingCall),
		readyCh:        make(chan struct{}),
	}
	go func() {
		// Attach blocks until the ready sentinel; run it concurrently
		// with the script below.
		ch.Attach(inW, outR)
	}()
	return ch, me
}

func (m *mockEngine) send(frame string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = m.stdout.Write([]byte(frame + "\n"))
}

func (m *mockEngine) sendReady() { m.send(`{"status":"ready"}`) }

func (m *mockEngine) readRequest(t *testing.T) codec.Request {
	t.Helper()
	r := bufio.NewReader(m.stdin)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var req codec.Request
	require.NoError(t, json.Unmarshal(line, &req))
	return req
}

// echoLoop replies to every request with its own params, after delay.
func (m *mockEngine) echoLoop(delay func() time.Duration) {
	scanner := bufio.NewScanner(m.stdin)
	for scanner.Scan() {
		var req codec.Request
		if json.Unmarshal(scanner.Bytes(), &req) != nil {
			continue
		}
		go func(req codec.Request) {
			if delay != nil {
				time.Sleep(delay())
			}
			params := req.Params
			if params == nil {
				params = json.RawMessage(`null`)
			}
			m.send(fmt.Sprintf(`{"id":%d,"success":true,"result":%s}`, req.ID, params))
		}(req)
	}
}

func (m *mockEngine) close() { _ = m.stdout.Close(); _ = m.stdin.Close() }

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %v never reached, still %v", want, ch.State())
}

func TestReadySentinelTransitionsState(t *testing.T) {
	ch, me := newMockEngine()
	assert.NotEqual(t, StateReady, ch.State())
	me.sendReady()
	waitState(t, ch, StateReady)
}

func TestCallEcho(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)
	go me.echoLoop(nil)

	rep, err := ch.Call("navigate", json.RawMessage(`{"url":"https://example.com"}`), time.Second)
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(rep.Result))
}

func TestOutOfOrderReplies(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)

	type out struct {
		rep *codec.Reply
		err error
	}
	res := make([]out, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			rep, err := ch.Call("wait", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), time.Second)
			res[i] = out{rep, err}
		}(i)
	}

	req1 := me.readRequest(t)
	req2 := me.readRequest(t)
	// Reply in reverse submission order.
	me.send(fmt.Sprintf(`{"id":%d,"success":true,"result":{"got":%d}}`, req2.ID, req2.ID))
	me.send(fmt.Sprintf(`{"id":%d,"success":true,"result":{"got":%d}}`, req1.ID, req1.ID))
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, res[i].err)
		require.True(t, res[i].rep.Success)
	}
	assert.NotEqual(t, req1.ID, req2.ID)
}

func TestTimeoutRemovesPendingAndDropsLateReply(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Call("slow", nil, 50*time.Millisecond)
		done <- err
	}()
	req := me.readRequest(t)
	err := <-done
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, ch.PendingCount())

	// The late reply must be discarded, not delivered to a fresh call.
	me.send(fmt.Sprintf(`{"id":%d,"success":true,"result":{"late":true}}`, req.ID))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, ch.PendingCount())
}

func TestDisconnectFailsPending(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Call("hang", nil, 5*time.Second)
		done <- err
	}()
	me.readRequest(t)
	me.close()

	assert.ErrorIs(t, <-done, ErrDisconnected)
	waitState(t, ch, StateError)
}

func TestNotReadyRefusesCalls(t *testing.T) {
	ch := NewChannel(zap.NewNop(), "/nonexistent", time.Second)
	_, err := ch.Call("navigate", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLicenseFailureSurfaces(t *testing.T) {
	ch, me := newMockEngine()
	me.send(`{"license_status":"expired","message":"license expired","hardware_fingerprint":"hw-42"}`)
	waitState(t, ch, StateLicenseError)

	lic := ch.LastLicenseError()
	require.NotNil(t, lic)
	assert.Equal(t, "expired", lic.Status)
	assert.Equal(t, "hw-42", lic.HardwareFingerprint)

	_, err := ch.Call("navigate", nil, time.Second)
	var licErr *LicenseError
	assert.ErrorAs(t, err, &licErr)
}

func TestConcurrentMultiplex(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)
	go me.echoLoop(func() time.Duration {
		return time.Duration(rand.Intn(100)) * time.Millisecond
	})

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
			rep, err := ch.Call("wait", params, 2*time.Second)
			if err == nil && !rep.Success {
				err = fmt.Errorf("engine failure")
			}
			if err == nil {
				assert.JSONEq(t, string(params), string(rep.Result))
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}
	// 50 calls each delayed up to 100ms must overlap, not serialize.
	assert.Less(t, elapsed, 2*time.Second)
	assert.Zero(t, ch.PendingCount())
}

func TestReplacedReaderEOFDoesNotPoisonChannel(t *testing.T) {
	ch, me1 := newMockEngine()
	me1.sendReady()
	waitState(t, ch, StateReady)

	// Re-attach fresh pipes, as a restart does.
	inR2, inW2 := io.Pipe()
	outR2, outW2 := io.Pipe()
	me2 := &mockEngine{stdin: inR2, stdout: outW2}
	go ch.Attach(inW2, outR2)
	me2.sendReady()
	waitState(t, ch, StateReady)

	// EOF from the replaced stream must not touch the live generation.
	me1.close()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateReady, ch.State())

	go me2.echoLoop(nil)
	rep, err := ch.Call("navigate", json.RawMessage(`{"url":"https://example.com"}`), time.Second)
	require.NoError(t, err)
	assert.True(t, rep.Success)
}

func TestRawCommandBusyPolicy(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)

	// Hold one framed call in flight.
	go func() { _, _ = ch.Call("hang", nil, time.Second) }()
	me.readRequest(t)

	_, err := ch.RawCommand([]byte(`{"method":"raw"}`), time.Second)
	assert.ErrorIs(t, err, ErrChannelBusy)
}

func TestRawCommandRoundTrip(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)

	done := make(chan *codec.Reply, 1)
	go func() {
		rep, err := ch.RawCommand([]byte(`{"id":999,"method":"raw_probe"}`), time.Second)
		require.NoError(t, err)
		done <- rep
	}()

	r := bufio.NewReader(me.stdin)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	assert.Contains(t, string(line), "raw_probe")
	me.send(`{"id":999,"success":true,"result":"pong"}`)

	rep := <-done
	assert.True(t, rep.Success)
}

func TestIDsAreUniqueAndMonotonic(t *testing.T) {
	ch, me := newMockEngine()
	me.sendReady()
	waitState(t, ch, StateReady)
	go me.echoLoop(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ch.Call("ping", nil, time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(20), ch.nextID.Load())
}
