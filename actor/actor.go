package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"contour/manager"
)

// DefaultTimeout bounds a request when the actor was built without one.
const DefaultTimeout = 20 * time.Second

// Handler serves one named request. The returned value is sent back as JSON.
type Handler func(ctx context.Context, args json.RawMessage, timer *manager.Timer) (interface{}, error)

//Actor 双向消息端点: 既可发送请求也可处理对端请求
type Actor struct {
	transport Transport
	handlers  map[string]Handler
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	callbacks map[string]chan *Message
	cancels   map[string]context.CancelFunc
	closing   bool
	closeOnce sync.Once

	done chan struct{}
	err  error
}

// New starts an actor on t. Requests from the other side are served by
// handlers, which may be nil for a send-only actor. A zero timeout selects
// DefaultTimeout and a negative one disables it.
func New(t Transport, handlers map[string]Handler, timeout time.Duration) *Actor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		transport: t,
		handlers:  handlers,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		callbacks: map[string]chan *Message{},
		cancels:   map[string]context.CancelFunc{},
		done:      make(chan struct{}),
	}
	go a.loop()
	return a
}

// Done is closed when the actor stops receiving.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Err returns why the actor stopped, nil while it is running.
func (a *Actor) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Close shuts the transport down. Pending sends fail with ErrClosed and
// running handlers are canceled.
func (a *Actor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closing = true
		a.mu.Unlock()
		err = a.transport.Close()
		<-a.done
	})
	return err
}

func (a *Actor) loop() {
	defer close(a.done)
	defer a.cancel()
	for {
		msg, err := a.transport.Receive()
		if err != nil {
			a.mu.Lock()
			if a.closing || errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			a.mu.Unlock()
			if !errors.Is(err, ErrClosed) {
				log.Warnf("actor receive error, details: %s ~", err)
			}
			a.err = err
			return
		}
		switch msg.Type {
		case TypeCancel:
			a.mu.Lock()
			cancel := a.cancels[msg.ID]
			delete(a.cancels, msg.ID)
			a.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		case TypeResponse:
			a.mu.Lock()
			ch := a.callbacks[msg.ID]
			delete(a.callbacks, msg.ID)
			a.mu.Unlock()
			if ch == nil {
				log.Debugf("dropping response %s, caller is gone", msg.ID)
				continue
			}
			ch <- msg
		case TypeRequest:
			ctx, cancel := context.WithCancel(a.ctx)
			a.mu.Lock()
			a.cancels[msg.ID] = cancel
			a.mu.Unlock()
			go a.serve(ctx, msg)
		default:
			log.Warnf("unknown message type %q from peer", msg.Type)
		}
	}
}

func (a *Actor) serve(ctx context.Context, msg *Message) {
	defer func() {
		a.mu.Lock()
		cancel := a.cancels[msg.ID]
		delete(a.cancels, msg.ID)
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()
	timer := manager.NewTimer("worker")
	url := msg.Name + "_" + msg.ID
	reply := &Message{ID: msg.ID, Type: TypeResponse}

	var result interface{}
	var err error
	if h, ok := a.handlers[msg.Name]; ok {
		result, err = h(ctx, msg.Args, timer)
	} else {
		err = fmt.Errorf("no handler for %q", msg.Name)
	}
	if err == nil {
		reply.Response, err = json.Marshal(result)
	}
	if err != nil {
		if !manager.IsCanceled(err) {
			log.Debugf("%s failed, details: %s ~", url, err)
		}
		reply.Error = err.Error()
		reply.Code = errorCode(err)
		reply.Timings = timer.Error(url)
	} else {
		reply.Timings = timer.Finish(url)
	}
	if err := a.transport.Send(reply); err != nil && !errors.Is(err, ErrClosed) {
		log.Warnf("send response %s error, details: %s ~", url, err)
	}
}

// Send invokes name on the other side with args and decodes the response
// into result, which may be nil. Timings recorded remotely are merged into
// timer. When ctx ends first, a cancel envelope is sent to the other side.
func (a *Actor) Send(ctx context.Context, name string, timer *manager.Timer, args, result interface{}) error {
	id, err := shortid.Generate()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}

	ch := make(chan *Message, 1)
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return ErrClosed
	}
	a.callbacks[id] = ch
	a.mu.Unlock()
	forget := func() {
		a.mu.Lock()
		delete(a.callbacks, id)
		a.mu.Unlock()
	}

	parent := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.transport.Send(&Message{ID: id, Type: TypeRequest, Name: name, Args: raw}); err != nil {
		forget()
		return err
	}

	select {
	case reply := <-ch:
		timer.AddAll(reply.Timings)
		if reply.Error != "" {
			return &RemoteError{Message: reply.Error, Code: reply.Code}
		}
		if result == nil || len(reply.Response) == 0 {
			return nil
		}
		return json.Unmarshal(reply.Response, result)
	case <-ctx.Done():
		forget()
		if err := a.transport.Send(&Message{ID: id, Type: TypeCancel}); err != nil && !errors.Is(err, ErrClosed) {
			log.Debugf("send cancel %s error, details: %s ~", id, err)
		}
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", manager.ErrTimeout, name, a.timeout)
		}
		return ctx.Err()
	case <-a.done:
		forget()
		return a.err
	}
}
