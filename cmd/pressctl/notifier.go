package main

import "sync"

// notifier wakes every waiter on Broadcast.
type notifier struct {
	mx sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier { return &notifier{ch: make(chan struct{})} }

// C returns a channel closed by the next Broadcast.
func (n *notifier) C() <-chan struct{} {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.ch
}

func (n *notifier) Broadcast() {
	n.mx.Lock()
	defer n.mx.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
