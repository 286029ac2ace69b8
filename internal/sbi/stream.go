package sbi

import (
	"context"
	"errors"
	"sync"
)

var ErrStreamClosed = errors.New("sbi: stream already answered")

type streamReply struct {
	status int
	body   []byte
}

// Stream is a held-open inbound request. Exactly one Reply reaches the
// client; later calls fail with ErrStreamClosed.
type Stream struct {
	once  sync.Once
	reply chan streamReply
}

func NewStream() *Stream {
	return &Stream{reply: make(chan streamReply, 1)}
}

func (s *Stream) Reply(status int, body []byte) error {
	sent := false
	s.once.Do(func() {
		s.reply <- streamReply{status: status, body: body}
		sent = true
	})
	if !sent {
		return ErrStreamClosed
	}
	return nil
}

// Wait blocks until the stream is answered or ctx ends.
func (s *Stream) Wait(ctx context.Context) (int, []byte, error) {
	select {
	case r := <-s.reply:
		return r.status, r.body, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}
