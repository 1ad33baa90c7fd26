package lib

type ConnState int

const (
	StateNew ConnState = iota
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Owned is an inbound message tagged with the connection it arrived on.
// Remote is nil on the client side, where there is a single implicit peer.
type Owned[K Kind] struct {
	Remote *Conn[K]
	Msg    Message[K]
}

// AdmitHandler decides whether a freshly accepted connection may join the
// server. The candidate has no id yet.
type AdmitHandler[K Kind] interface {
	Admit(candidate *Conn[K]) bool
}

type AdmitHandlerFunc[K Kind] func(candidate *Conn[K]) bool

func (fn AdmitHandlerFunc[K]) Admit(candidate *Conn[K]) bool { return fn(candidate) }

// AdmitAll approves every candidate.
func AdmitAll[K Kind]() AdmitHandlerFunc[K] {
	return func(*Conn[K]) bool { return true }
}

// ConnStateHandler observes peers joining (StateNew) and peers found
// disconnected and removed (StateClosed).
type ConnStateHandler[K Kind] interface {
	HandleConnState(conn *Conn[K], state ConnState)
}

type ConnStateHandlerFunc[K Kind] func(conn *Conn[K], state ConnState)

func (fn ConnStateHandlerFunc[K]) HandleConnState(conn *Conn[K], state ConnState) { fn(conn, state) }

// Handler processes messages drained by Server.Update. Errors are logged and
// never stop the drain.
type Handler[K Kind] interface {
	HandleMessage(peer *Conn[K], msg *Message[K]) error
}

type HandlerFunc[K Kind] func(peer *Conn[K], msg *Message[K]) error

func (fn HandlerFunc[K]) HandleMessage(peer *Conn[K], msg *Message[K]) error { return fn(peer, msg) }
