package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCloserStopsWorkers(t *testing.T) {
	c := newCloser()
	c.add(1)
	stopped := make(chan struct{})
	go func() {
		<-c.stopping()
		close(stopped)
		c.done()
	}()

	done := make(chan struct{})
	go func() {
		c.close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}
	select {
	case <-stopped:
	default:
		t.Fatal("worker was not signaled to stop")
	}
}

func TestCloserCloseIsIdempotent(t *testing.T) {
	c := newCloser()
	assert.NotPanics(t, func() {
		c.close()
		c.close()
	})
}
