package common

import "sync"

type TaskStop struct{}

type Task interface{}

type TaskHandler interface {
	Handle(t Task)
}

// Worker runs a handler on tasks sent to it, one at a time, in a single goroutine.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		name:     name,
		sender:   ch,
		receiver: ch,
		wg:       wg,
	}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for t := range w.receiver {
			if _, ok := t.(TaskStop); ok {
				return
			}
			handler.Handle(t)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Stop asks the worker to exit after the tasks already sent. It does not wait, use the WaitGroup for that.
func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}
