package fabric

import "sync"

// An Envelope is a message on its way to a receive.
type Envelope struct {
	Src  Rank
	Tag  Tag
	Data []byte
}

type postedRecv struct {
	buf  []byte
	src  Rank
	tag  Tag
	done *Completion
}

func (r *postedRecv) accepts(env Envelope) bool {
	return r.tag == env.Tag && (r.src == AnySource || r.src == env.Src)
}

// Matcher pairs arriving messages with posted receives for one endpoint.
// Transports feed it with Deliver and hand out the requests created by Post.
type Matcher struct {
	lock       sync.Mutex
	posted     []*postedRecv
	unexpected []Envelope
	closed     bool
}

// NewMatcher creates an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Post registers a receive. If an unexpected message already matches, the
// returned request is complete.
func (m *Matcher) Post(buf []byte, src Rank, tag Tag) Request {
	r := &postedRecv{
		buf:  buf,
		src:  src,
		tag:  tag,
		done: NewCompletion(),
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		r.done.Complete(Status{Source: src, Tag: tag}, ErrClosed)
		return r.done
	}

	for i, env := range m.unexpected {
		if r.accepts(env) {
			m.unexpected = append(m.unexpected[:i], m.unexpected[i+1:]...)
			fill(r, env)

			return r.done
		}
	}

	m.posted = append(m.posted, r)

	return r.done
}

// Deliver hands an arriving message to the oldest receive that accepts it,
// or keeps it until such a receive is posted. The matcher takes ownership
// of env.Data. Messages arriving after Close are dropped.
func (m *Matcher) Deliver(env Envelope) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return
	}

	for i, r := range m.posted {
		if r.accepts(env) {
			m.posted = append(m.posted[:i], m.posted[i+1:]...)
			fill(r, env)

			return
		}
	}

	m.unexpected = append(m.unexpected, env)
}

// Close completes every posted receive with err and rejects later posts.
func (m *Matcher) Close(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return
	}

	m.closed = true

	for _, r := range m.posted {
		r.done.Complete(Status{Source: r.src, Tag: r.tag}, err)
	}

	m.posted = nil
	m.unexpected = nil
}

// Pending returns the number of posted receives and of unexpected messages.
func (m *Matcher) Pending() (posted, unexpected int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.posted), len(m.unexpected)
}

func fill(r *postedRecv, env Envelope) {
	n := copy(r.buf, env.Data)
	st := Status{Source: env.Src, Tag: env.Tag, Count: n}

	if len(env.Data) > len(r.buf) {
		r.done.Complete(st, ErrTruncate)
		return
	}

	r.done.Complete(st, nil)
}
