package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	dialTimeout     = 15 * time.Second
	clientBackoffTo = time.Minute
)

// ClientConfig configures the sync client.
type ClientConfig struct {
	// ServerURL is the API base, e.g. "http://localhost:8080". The
	// WebSocket endpoint is derived from it.
	ServerURL string
	// Token authenticates the connection (sent as a bearer header).
	Token string
	// CaseID is the case to mirror.
	CaseID uuid.UUID
	// CacheDir holds the mirror database and lock file. Defaults to
	// ~/.casewire/sync.
	CacheDir string
	Logger   *slog.Logger
	// OnEvent observes every applied event (CLI display hook). Optional.
	OnEvent func(Event)
}

// Client keeps a local mirror of one case in sync with the server and
// replays offline writes when connectivity returns.
//
// One Client per case per machine: the cache directory is guarded by a
// file lock so a second process fails fast instead of corrupting the
// mirror.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mirror *Mirror
	lock   *flock.Flock

	// wakeup nudges the send loop after Queue during a live session.
	wakeup chan struct{}

	mu       sync.Mutex
	lastSent int64
}

// NewClient acquires the case lock and opens the mirror. Callers must
// Close it to release both.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if cfg.CaseID == uuid.Nil {
		return nil, fmt.Errorf("case id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := cfg.CacheDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".casewire", "sync")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, fmt.Sprintf("sync-%s.lock", cfg.CaseID)))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("case %s is already being synced by another process", cfg.CaseID)
	}

	mirror, err := OpenMirror(filepath.Join(dir, fmt.Sprintf("mirror-%s.db", cfg.CaseID)))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		mirror: mirror,
		lock:   lock,
		wakeup: make(chan struct{}, 1),
	}, nil
}

// Close releases the mirror and the case lock.
func (c *Client) Close() error {
	err := c.mirror.Close()
	if unlockErr := c.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// Mirror exposes the local state for reads.
func (c *Client) Mirror() *Mirror { return c.mirror }

// Queue records a write durably and, when a session is live, nudges it
// onto the wire. Offline it simply waits for the next connection.
func (c *Client) Queue(ctx context.Context, op string, payload any) (int64, error) {
	seq, err := c.mirror.Enqueue(ctx, op, payload)
	if err != nil {
		return 0, err
	}
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
	return seq, nil
}

// Run connects and keeps syncing until ctx ends, reconnecting with
// jittered exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > clientBackoffTo {
			backoff = time.Second
		}

		wait := jitter(backoff)
		c.logger.Warn("sync session ended, reconnecting",
			"error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
			backoff = min(backoff*2, clientBackoffTo)
		}
	}
}

// jitter spreads reconnect attempts across [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + rand.N(half)
}

func (c *Client) session(ctx context.Context) error {
	endpoint, err := c.wsEndpoint()
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: %w (status %s)", endpoint, err, resp.Status)
		}
		return fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer func() { _ = conn.Close() }()

	c.logger.Info("sync connected", "case_id", c.cfg.CaseID)
	c.mu.Lock()
	c.lastSent = 0 // unacked writes are still queued; resend them
	c.mu.Unlock()

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()

	errc := make(chan error, 2)
	go func() { errc <- c.sendLoop(sessCtx, conn) }()
	go func() { errc <- c.recvLoop(sessCtx, conn) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// wsEndpoint derives the case event socket URL from the API base.
func (c *Client) wsEndpoint() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("/api/v1/cases/%s/events", c.cfg.CaseID)
	return u.String(), nil
}

// sendLoop replays the queue at session start and after every Queue
// call. Each write goes out at most once per session; rejected writes
// stay queued for the next one.
func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := c.flush(ctx, conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.wakeup:
		}
	}
}

func (c *Client) flush(ctx context.Context, conn *websocket.Conn) error {
	pending, err := c.mirror.Pending(ctx)
	if err != nil {
		return err
	}
	for _, w := range pending {
		c.mu.Lock()
		skip := w.Seq <= c.lastSent
		if !skip {
			c.lastSent = w.Seq
		}
		c.mu.Unlock()
		if skip {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(Frame{Kind: FrameWrite, Write: &w}); err != nil {
			return fmt.Errorf("sending queued write %d: %w", w.Seq, err)
		}
		c.logger.Debug("queued write sent", "seq", w.Seq, "op", w.Op)
	}
	return nil
}

// recvLoop applies server frames to the mirror. Acks clear the queue;
// rejected writes are logged and left queued.
func (c *Client) recvLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Kind {
		case FrameEvent:
			if f.Event == nil {
				continue
			}
			c.apply(ctx, *f.Event)
		case FrameSnapshot:
			for _, ev := range f.Snapshot {
				c.apply(ctx, ev)
			}
			c.logger.Debug("snapshot applied", "events", len(f.Snapshot))
		case FrameAck:
			if err := c.mirror.Ack(ctx, f.Seq); err != nil {
				c.logger.Warn("clearing acked write", "seq", f.Seq, "error", err)
				continue
			}
			c.logger.Debug("write acknowledged", "seq", f.Seq)
		case FrameError:
			if f.Seq > 0 {
				c.logger.Warn("server rejected queued write, leaving it queued",
					"seq", f.Seq, "error", f.Error)
			} else {
				c.logger.Warn("server error frame", "error", f.Error)
			}
		}
	}
}

func (c *Client) apply(ctx context.Context, ev Event) {
	if err := c.mirror.Apply(ctx, ev); err != nil {
		c.logger.Warn("applying event to mirror",
			"event_type", ev.Type, "event_id", ev.ID, "error", err)
		return
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}
