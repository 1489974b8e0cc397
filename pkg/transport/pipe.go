package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation.
// Use this to test session behavior under adverse network conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a frame (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each frame.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each frame.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a frame (0.0 - 1.0).
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers queued frames.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe is one bidirectional in-memory link between two endpoints.
// It wraps pion's test.Bridge and adds network condition simulation.
//
// By default, Pipe delivers frames in a background goroutine. Use
// SetAutoProcess(false) and Tick/Process for manual control.
type Pipe struct {
	bridge *test.Bridge
	ends   [2]*pipeConn

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPipe creates a pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}
	p.ends[0] = &pipeConn{Conn: p.bridge.GetConn0(), pipe: p, local: PipeAddr{ID: 0}, remote: PipeAddr{ID: 1}}
	p.ends[1] = &pipeConn{Conn: p.bridge.GetConn1(), pipe: p, local: PipeAddr{ID: 1}, remote: PipeAddr{ID: 0}}

	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

func (p *Pipe) name(name string) {
	p.ends[0].local.Name, p.ends[0].remote.Name = name, name
	p.ends[1].local.Name, p.ends[1].remote.Name = name, name
}

// startAutoProcess starts the background delivery goroutine.
func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic delivery.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}
	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// AutoProcess returns whether auto-processing is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition configures network condition simulation for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// Conn0 returns endpoint 0. Closing either endpoint closes the pipe.
func (p *Pipe) Conn0() net.Conn { return p.ends[0] }

// Conn1 returns endpoint 1.
func (p *Pipe) Conn1() net.Conn { return p.ends[1] }

// Tick delivers one queued frame in each direction.
// Returns the number of frames delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued frames and returns how many were delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Closed reports whether the pipe was closed.
func (p *Pipe) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close stops auto-processing and closes both endpoints.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()

	// The bridge closes a conn's read channel on the first Tick that finds
	// its inbound queue empty. Nothing ticks any more, so discard what is
	// in flight and tick once to release blocked readers.
	p.bridge.Drop(0, 0, p.bridge.Len(0))
	p.bridge.Drop(1, 0, p.bridge.Len(1))
	p.bridge.Tick()

	if err0 != nil {
		return err0
	}
	return err1
}

// chance draws a uniform float64 in [0, 1).
func (p *Pipe) chance() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}

func (p *Pipe) jitter(span time.Duration) time.Duration {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return time.Duration(p.rng.Int63n(int64(span)))
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	Name string // address the link was dialled to
	ID   int    // endpoint (0 dialler, 1 listener)
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%s:%d", a.Name, a.ID) }

// pipeConn is one endpoint of a Pipe with network conditions applied on write.
type pipeConn struct {
	net.Conn
	pipe          *Pipe
	local, remote PipeAddr
}

// Write applies the pipe's network condition, then queues b for delivery.
func (c *pipeConn) Write(b []byte) (int, error) {
	cond := c.pipe.Condition()

	if cond.DropRate > 0 && c.pipe.chance() < cond.DropRate {
		return len(b), nil
	}

	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += c.pipe.jitter(cond.DelayMax - cond.DelayMin)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if cond.DuplicateRate > 0 && c.pipe.chance() < cond.DuplicateRate {
		if _, err := c.Conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Close closes the whole pipe, so the other endpoint observes the loss.
func (c *pipeConn) Close() error { return c.pipe.Close() }

func (c *pipeConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeConn) RemoteAddr() net.Addr { return c.remote }

var _ net.Conn = (*pipeConn)(nil)
