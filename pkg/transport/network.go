package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
)

// DefaultPipeMaxFrameSize bounds frames on in-memory links.
const DefaultPipeMaxFrameSize = 1 << 20

// NetworkConfig configures a Network.
type NetworkConfig struct {
	// Condition applies to every link. It can be changed with SetCondition.
	Condition NetworkCondition

	// MaxFrameSize bounds frames. Default: DefaultPipeMaxFrameSize.
	MaxFrameSize int

	// PipeConfig configures each link's delivery.
	PipeConfig PipeConfig

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Network is an in-memory network. Listeners register under a name; each
// Connect creates a fresh Pipe to the named listener.
type Network struct {
	maxFrame   int
	pipeConfig PipeConfig
	log        logging.LeveledLogger

	mu        sync.Mutex
	condition NetworkCondition
	listeners map[string]*PipeListener
	links     map[string][]*Pipe
	failDials int
	dials     int
}

// NewNetwork creates an empty network.
func NewNetwork(config NetworkConfig) *Network {
	n := &Network{
		maxFrame:   config.MaxFrameSize,
		pipeConfig: config.PipeConfig,
		condition:  config.Condition,
		listeners:  make(map[string]*PipeListener),
		links:      make(map[string][]*Pipe),
	}
	if n.maxFrame <= 0 {
		n.maxFrame = DefaultPipeMaxFrameSize
	}
	if n.pipeConfig.ProcessInterval == 0 {
		n.pipeConfig = DefaultPipeConfig()
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("transport-pipe")
	}
	return n
}

// Listen registers a listener under address.
func (n *Network) Listen(address string) (*PipeListener, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}
	l := &PipeListener{
		network: n,
		addr:    PipeAddr{Name: address, ID: 1},
		acceptq: make(chan *FrameConn, 16),
		closeCh: make(chan struct{}),
	}
	n.listeners[address] = l
	return l, nil
}

// Connect implements Transport.
func (n *Network) Connect(ctx context.Context, address string, cb Callbacks) (Conn, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}

	n.mu.Lock()
	n.dials++
	if n.failDials > 0 {
		n.failDials--
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: injected failure", ErrDialFailed, address)
	}
	l, ok := n.listeners[address]
	cond := n.condition
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s: connection refused", ErrDialFailed, address)
	}

	p := NewPipeWithConfig(n.pipeConfig)
	p.name(address)
	p.SetCondition(cond)

	server := NewPacketFrameConn(p.Conn1(), n.maxFrame)
	select {
	case l.acceptq <- server:
	case <-l.closeCh:
		p.Close()
		return nil, fmt.Errorf("%w: %s: listener closed", ErrDialFailed, address)
	case <-ctx.Done():
		p.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, address, ctx.Err())
	}

	n.mu.Lock()
	n.links[address] = append(n.links[address], p)
	n.mu.Unlock()

	if n.log != nil {
		n.log.Debugf("link established to %s", address)
	}
	return newClientConn(NewPacketFrameConn(p.Conn0(), n.maxFrame), cb, n.log), nil
}

// SetCondition changes the condition of existing and future links.
func (n *Network) SetCondition(cond NetworkCondition) {
	n.mu.Lock()
	n.condition = cond
	var pipes []*Pipe
	for _, ps := range n.links {
		pipes = append(pipes, ps...)
	}
	n.mu.Unlock()

	for _, p := range pipes {
		p.SetCondition(cond)
	}
}

// FailNextDials makes the next count Connect calls fail.
func (n *Network) FailNextDials(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failDials = count
}

// Dials returns the number of Connect calls made so far.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Sever closes every open link to address and returns how many were closed.
// Both ends observe the loss.
func (n *Network) Sever(address string) int {
	n.mu.Lock()
	pipes := n.links[address]
	delete(n.links, address)
	n.mu.Unlock()

	count := 0
	for _, p := range pipes {
		if !p.Closed() {
			count++
		}
		p.Close()
	}
	return count
}

// Close severs every link and closes every listener.
func (n *Network) Close() error {
	n.mu.Lock()
	var addrs []string
	for a := range n.links {
		addrs = append(addrs, a)
	}
	listeners := make([]*PipeListener, 0, len(n.listeners))
	for _, l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.mu.Unlock()

	for _, a := range addrs {
		n.Sever(a)
	}
	for _, l := range listeners {
		l.Close()
	}
	return nil
}

var _ Transport = (*Network)(nil)

// PipeListener accepts links dialled through a Network.
type PipeListener struct {
	network *Network
	addr    PipeAddr
	acceptq chan *FrameConn
	closeCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// Accept implements Listener.
func (l *PipeListener) Accept() (*FrameConn, error) {
	select {
	case fc := <-l.acceptq:
		return fc, nil
	case <-l.closeCh:
		return nil, ErrClosed
	}
}

// Close implements Listener. The address becomes free again.
func (l *PipeListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closeCh)
	l.mu.Unlock()

	l.network.mu.Lock()
	if l.network.listeners[l.addr.Name] == l {
		delete(l.network.listeners, l.addr.Name)
	}
	l.network.mu.Unlock()
	return nil
}

// Addr implements Listener.
func (l *PipeListener) Addr() net.Addr { return l.addr }

var _ Listener = (*PipeListener)(nil)
