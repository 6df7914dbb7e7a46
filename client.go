// Package capsulelive ties the realtime session to the login state: it
// watches a token store and starts/stops the live session as the user logs in
// and out, and it owns the REST client for the durable entities the live
// events reference.
package capsulelive

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/memory-space/capsule-live/live"
	"github.com/memory-space/capsule-live/pubsub"
	"github.com/memory-space/capsule-live/rest"
	"github.com/memory-space/capsule-live/transport"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Credentials is what the token store hands out on login. The zero value
// signals logout.
type Credentials struct {
	Token  string
	UserID string
}

func (c Credentials) Empty() bool {
	return c.Token == "" || c.UserID == ""
}

// TokenStore is the external owner of the bearer token and authenticated
// identity. The client never stores credentials itself; it only reacts to
// what the store reports.
type TokenStore interface {
	// Current returns the live credentials, if any.
	Current() (Credentials, bool)
	// Changes delivers each login (non-empty credentials) and logout (zero
	// credentials). The channel is closed when the store shuts down.
	Changes() <-chan Credentials
}

// Opts configures a Client.
type Opts struct {
	// APIURL is the base URL of the REST API, e.g. "https://host/api".
	APIURL string
	// SocketURL is the websocket endpoint, e.g. "wss://host/live".
	SocketURL string
	// BufferSize is the pubsub channel buffer for live payloads. Defaults
	// to 64.
	BufferSize int
	// Dialer overrides the websocket dialer. Nil means dial SocketURL.
	Dialer transport.Dialer
}

// Client is the top-level handle: one live session plus a REST client per
// login. The view layer subscribes to LivePayloads for push updates and uses
// REST for durable reads/writes.
type Client struct {
	opts     Opts
	session  *live.Session
	bus      *pubsub.PubSub
	notifier pubsub.Notifier
	store    TokenStore
}

func NewClient(opts Opts, store TokenStore) *Client {
	if opts.BufferSize == 0 {
		opts.BufferSize = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebsocketDialer(opts.SocketURL)
	}
	bus := pubsub.NewPubSub(opts.BufferSize)
	notifier := pubsub.NewPromNotifier(bus, "live")
	session := live.NewSession(opts.Dialer, notifier)
	return &Client{
		opts:     opts,
		session:  session,
		bus:      bus,
		notifier: notifier,
		store:    store,
	}
}

// Session exposes the live session for issuing intents (join/leave rooms,
// send reactions/typing) and reading presence/typing/reaction snapshots.
func (c *Client) Session() *live.Session {
	return c.session
}

// REST returns a client for the durable API authenticated as the current
// user, or nil when logged out.
func (c *Client) REST() rest.Client {
	creds, ok := c.store.Current()
	if !ok || creds.Empty() {
		return nil
	}
	return rest.NewHTTPClient(c.opts.APIURL, creds.Token)
}

// Subscribe registers a listener for live payloads. Blocks until the bus
// closes; run it on its own goroutine.
func (c *Client) Subscribe(listener pubsub.LiveListener) error {
	return pubsub.NewLiveSub(c.bus, listener).Listen()
}

// Run observes the token store until ctx is done: each login starts a live
// session (tearing down any previous one), each logout stops it.
func (c *Client) Run(ctx context.Context) {
	if creds, ok := c.store.Current(); ok && !creds.Empty() {
		c.session.Start(creds.Token, creds.UserID)
	}
	// hold one channel for the whole loop; a store may construct it lazily
	changes := c.store.Changes()
	for {
		select {
		case creds, ok := <-changes:
			if !ok {
				c.Close()
				return
			}
			if creds.Empty() {
				logger.Info().Msg("logged out, stopping live session")
				c.session.Stop()
				continue
			}
			logger.Info().Str("user", creds.UserID).Msg("logged in, starting live session")
			c.session.Start(creds.Token, creds.UserID)
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

// Close stops the session and the payload bus, and unregisters the payload
// metrics.
func (c *Client) Close() {
	c.session.Close()
	c.notifier.Close()
}
