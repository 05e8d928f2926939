package actor

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned once a transport or actor has been closed.
var ErrClosed = errors.New("actor closed")

// Transport moves envelopes to the other side. Receive blocks and returns
// io.EOF after Close.
type Transport interface {
	Send(msg *Message) error
	Receive() (*Message, error)
	Close() error
}

type pipeEnd struct {
	in   <-chan *Message
	out  chan<- *Message
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process transports. Closing either end
// closes both.
func Pipe() (Transport, Transport) {
	ab := make(chan *Message, 64)
	ba := make(chan *Message, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(msg *Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Receive() (*Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type streamTransport struct {
	r   io.Reader
	w   io.Writer
	dec *json.Decoder
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStreamTransport speaks newline separated JSON envelopes over r and w,
// for example a child process's stdout and stdin.
func NewStreamTransport(r io.Reader, w io.Writer) Transport {
	return &streamTransport{r: r, w: w, dec: json.NewDecoder(r), enc: json.NewEncoder(w)}
}

func (s *streamTransport) Send(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(msg)
}

func (s *streamTransport) Receive() (*Message, error) {
	msg := &Message{}
	if err := s.dec.Decode(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *streamTransport) Close() error {
	var errs []error
	if c, ok := s.w.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.r.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
