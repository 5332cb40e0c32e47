package agent

import (
    "errors"
    "fmt"
    "net"
    "sync"
    "time"

    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
)

var (
    // ErrDetached reports that the attachment to the daemon is gone.
    ErrDetached = errors.New("agent: detached from daemon")
    // ErrTimeout reports that a blocking call gave up waiting.
    ErrTimeout = errors.New("agent: timed out")
)

// replyWait bounds how long one request waits for its answer.
const replyWait = 5 * time.Second

// clientBacklog is how many deliveries the client holds before reads
// from the daemon block.
const clientBacklog = 32

// Notice is a delivery report: the bundle named by ID reached Endpoint,
// confirmed by Peer.
type Notice struct {
    ID       bundle.ID
    Endpoint bundle.EID
    Peer     bundle.EID
}

// SendOptions shape an outgoing bundle. Zero values take the daemon
// defaults: one hour lifetime, 64 hops, singleton addressing.
type SendOptions struct {
    Lifetime time.Duration
    Hops     uint32
    Group    bool // address every holder of the endpoint, not one node
    Report   bool // ask for a delivery report
}

// Client is the application side of the attach protocol. A reader
// goroutine sorts incoming frames into request answers, delivered
// bundles, and delivery notices; Next consumes deliveries one at a
// time the way a synchronous receiver would.
type Client struct {
    conn net.Conn

    // reqMu serializes request/answer round trips and guards the
    // registration state.
    reqMu    sync.Mutex
    endpoint bundle.EID
    token    string

    replies chan Response
    bundles chan *bundle.Bundle
    notices chan Notice

    closeOnce sync.Once
    closeCh   chan struct{}
}

// Dial attaches to a daemon over TCP.
func Dial(addr string) (*Client, error) {
    conn, err := net.DialTimeout("tcp", addr, replyWait)
    if err != nil { return nil, err }
    return NewClient(conn), nil
}

// NewClient runs the attach protocol over an established connection,
// usually a TCP socket or a named pipe. The client owns the connection
// from here on.
func NewClient(conn net.Conn) *Client {
    c := &Client{
        conn:    conn,
        replies: make(chan Response, 1),
        bundles: make(chan *bundle.Bundle, clientBacklog),
        notices: make(chan Notice, clientBacklog),
        closeCh: make(chan struct{}),
    }
    go c.readLoop()
    return c
}

// Close drops the attachment. The daemon keeps buffering singletons for
// the registered endpoint until someone registers it again.
func (c *Client) Close() error {
    c.closeOnce.Do(func() { close(c.closeCh) })
    return c.conn.Close()
}

// Register claims an application suffix under the daemon's node EID and
// returns the full endpoint. Bundles buffered for that endpoint start
// arriving right away.
func (c *Client) Register(suffix string) (bundle.EID, error) {
    c.reqMu.Lock()
    defer c.reqMu.Unlock()
    resp, err := c.roundTrip(Request{Op: opRegister, Suffix: suffix})
    if err != nil { return bundle.None, err }
    c.endpoint, c.token = resp.Endpoint, resp.Token
    return resp.Endpoint, nil
}

// Endpoint returns the EID claimed by Register.
func (c *Client) Endpoint() bundle.EID {
    c.reqMu.Lock()
    defer c.reqMu.Unlock()
    return c.endpoint
}

// Send submits a payload for dst and returns the bundle ID the daemon
// assigned.
func (c *Client) Send(dst bundle.EID, payload []byte, opts SendOptions) (bundle.ID, error) {
    c.reqMu.Lock()
    defer c.reqMu.Unlock()
    resp, err := c.roundTrip(Request{
        Op:          opSend,
        Token:       c.token,
        Destination: dst,
        LifetimeSec: uint64(opts.Lifetime / time.Second),
        Hops:        opts.Hops,
        Singleton:   !opts.Group,
        Report:      opts.Report,
        Payload:     payload,
    })
    if err != nil { return bundle.ID{}, err }
    if resp.ID == nil { return bundle.ID{}, errors.New("agent: answer carried no bundle ID") }
    return *resp.ID, nil
}

// Neighbors asks the daemon for its current neighbor view.
func (c *Client) Neighbors() ([]NeighborInfo, error) {
    c.reqMu.Lock()
    defer c.reqMu.Unlock()
    resp, err := c.roundTrip(Request{Op: opNeighbors})
    if err != nil { return nil, err }
    return resp.Neighbors, nil
}

// Next blocks until the daemon delivers a bundle for the registered
// endpoint. A timeout of zero or less waits until the client closes.
func (c *Client) Next(timeout time.Duration) (*bundle.Bundle, error) {
    select {
    case b := <-c.bundles:
        return b, nil
    default:
    }
    var wait <-chan time.Time
    if timeout > 0 {
        t := time.NewTimer(timeout)
        defer t.Stop()
        wait = t.C
    }
    select {
    case b := <-c.bundles:
        return b, nil
    case <-wait:
        return nil, ErrTimeout
    case <-c.closeCh:
        return nil, ErrDetached
    }
}

// Notices returns the stream of delivery reports for bundles this
// client sent with SendOptions.Report set.
func (c *Client) Notices() <-chan Notice { return c.notices }

func (c *Client) roundTrip(req Request) (Response, error) {
    if err := writeFrame(c.conn, &req); err != nil { return Response{}, err }
    t := time.NewTimer(replyWait)
    defer t.Stop()
    for {
        select {
        case resp := <-c.replies:
            // Answers to an earlier, timed-out request get skipped.
            if resp.Op != req.Op { continue }
            if !resp.OK { return resp, fmt.Errorf("agent: daemon refused: %s", resp.Error) }
            return resp, nil
        case <-t.C:
            return Response{}, ErrTimeout
        case <-c.closeCh:
            return Response{}, ErrDetached
        }
    }
}

func (c *Client) readLoop() {
    defer func() { _ = c.Close() }()
    for {
        var resp Response
        if err := readFrame(c.conn, &resp); err != nil { return }
        switch resp.Op {
        case opDeliver:
            if resp.Bundle == nil { continue }
            select {
            case c.bundles <- resp.Bundle:
            case <-c.closeCh:
                return
            }
        case opNotify:
            if resp.ID == nil { continue }
            select {
            case c.notices <- Notice{ID: *resp.ID, Endpoint: resp.Endpoint, Peer: resp.Peer}:
            default: // notices are advisory, a full queue drops the new one
            }
        default:
            select {
            case c.replies <- resp:
            default: // answer nobody waits for anymore
            }
        }
    }
}
