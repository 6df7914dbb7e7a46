package pubsub

// The channel which has Live* payloads
const ChanLive = "livech"

// LiveListener is the read side of the realtime feed. The view layer implements
// this to mirror presence/typing/reaction changes into whatever it renders.
type LiveListener interface {
	OnConnected(p *LiveConnected)
	OnDisconnected(p *LiveDisconnected)
	OnUserOnline(p *LiveUserOnline)
	OnUserOffline(p *LiveUserOffline)
	OnTyping(p *LiveTyping)
	OnReaction(p *LiveReaction)
	OnError(p *LiveError)
}

// LiveConnected is published once per successful connect, after the desired
// room set has been replayed.
type LiveConnected struct {
	UserID string
}

func (v LiveConnected) Type() string { return "c" }

// LiveDisconnected is published once per connectivity transition, never once
// per underlying retry attempt.
type LiveDisconnected struct {
	UserID string
	Reason string
}

func (v LiveDisconnected) Type() string { return "d" }

type LiveUserOnline struct {
	UserID   string
	Metadata map[string]string
}

func (v LiveUserOnline) Type() string { return "on" }

type LiveUserOffline struct {
	UserID string
}

func (v LiveUserOffline) Type() string { return "off" }

type LiveTyping struct {
	UserID    string
	MemoryID  string
	CapsuleID string
	IsTyping  bool
	Metadata  map[string]string
}

func (v LiveTyping) Type() string { return "t" }

// LiveReaction is the ephemeral broadcast used for on-screen celebration
// effects, distinct from the durable reaction stored against a memory. It
// carries enough identifiers for the view layer to correlate it with durable
// entities it already holds.
type LiveReaction struct {
	ID        string
	Emoji     string
	UserID    string
	MemoryID  string
	CapsuleID string
	Metadata  map[string]string
}

func (v LiveReaction) Type() string { return "r" }

// LiveError carries server-reported or connection errors. Fatal errors (auth
// rejection) mean the session has stopped and will not retry with this token.
type LiveError struct {
	Message string
	Fatal   bool
}

func (v LiveError) Type() string { return "e" }

type LiveSub struct {
	listener Listener
	receiver LiveListener
}

func NewLiveSub(l Listener, recv LiveListener) *LiveSub {
	return &LiveSub{
		listener: l,
		receiver: recv,
	}
}

func (v *LiveSub) Teardown() {
	v.listener.Close()
}

func (v *LiveSub) onMessage(p Payload) {
	switch p.Type() {
	case LiveConnected{}.Type():
		v.receiver.OnConnected(p.(*LiveConnected))
	case LiveDisconnected{}.Type():
		v.receiver.OnDisconnected(p.(*LiveDisconnected))
	case LiveUserOnline{}.Type():
		v.receiver.OnUserOnline(p.(*LiveUserOnline))
	case LiveUserOffline{}.Type():
		v.receiver.OnUserOffline(p.(*LiveUserOffline))
	case LiveTyping{}.Type():
		v.receiver.OnTyping(p.(*LiveTyping))
	case LiveReaction{}.Type():
		v.receiver.OnReaction(p.(*LiveReaction))
	case LiveError{}.Type():
		v.receiver.OnError(p.(*LiveError))
	}
}

func (v *LiveSub) Listen() error {
	return v.listener.Listen(ChanLive, v.onMessage)
}
