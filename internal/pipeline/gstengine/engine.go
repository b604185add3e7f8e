// Package gstengine runs pipeline descriptions on GStreamer through go-gst.
package gstengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/rover-media/internal/pipeline"
)

// busPollInterval bounds how long Close waits for the monitor to notice
// cancellation
const busPollInterval = 50 * time.Millisecond

var initOnce sync.Once

// Engine launches GStreamer pipelines from launch descriptions.
type Engine struct{}

// New initializes GStreamer once per process and returns an engine.
func New() *Engine {
	initOnce.Do(func() { gst.Init(nil) })
	return &Engine{}
}

// CheckAvailable verifies GStreamer can build a trivial element.
func CheckAvailable() error {
	initOnce.Do(func() { gst.Init(nil) })

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("gstengine: GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// Launch parses desc into a pipeline. The pipeline stays in NULL until Play.
func (e *Engine) Launch(desc string) (pipeline.Handle, error) {
	p, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("gstengine: parse pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.monitor()
	return h, nil
}

// handle implements pipeline.Handle for one gst.Pipeline
type handle struct {
	pipeline *gst.Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.RWMutex
	watcher func(pipeline.EngineEvent)

	closeOnce sync.Once
	closeErr  error
}

func (h *handle) Play() error {
	if err := h.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstengine: set playing: %w", err)
	}
	return nil
}

func (h *handle) Watch(fn func(pipeline.EngineEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watcher = fn
}

// Detach waits for any in-flight callback, so nothing is delivered after it
// returns.
func (h *handle) Detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watcher = nil
}

// Close stops the bus monitor, waits for it and sets the pipeline to NULL.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.done
		if err := h.pipeline.SetState(gst.StateNull); err != nil {
			h.closeErr = fmt.Errorf("gstengine: set null: %w", err)
		}
	})
	return h.closeErr
}

func (h *handle) deliver(ev pipeline.EngineEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.watcher != nil {
		h.watcher(ev)
	}
}

// monitor polls the pipeline bus until Close. It stops early after a fatal
// message since the pipeline will be torn down anyway.
func (h *handle) monitor() {
	defer close(h.done)

	bus := h.pipeline.GetPipelineBus()
	name := h.pipeline.GetName()

	for {
		select {
		case <-h.ctx.Done():
			slog.Debug("gstengine: monitor stopped", "pipeline", name)
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstengine: end of stream", "pipeline", name)
			h.deliver(pipeline.EngineEvent{Kind: pipeline.EngineEOS, Message: "end of stream"})
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := Classify(gerr.Error(), gerr.DebugString())

			slog.Error("gstengine: pipeline error",
				"pipeline", name,
				"source", msg.Source(),
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			h.deliver(pipeline.EngineEvent{
				Kind:     pipeline.EngineError,
				Message:  gerr.Error(),
				Category: category.String(),
			})
			return

		case gst.MessageWarning:
			gwarn := msg.ParseWarning()
			h.deliver(pipeline.EngineEvent{Kind: pipeline.EngineWarning, Message: gwarn.Error()})

		case gst.MessageStateChanged:
			if msg.Source() == name {
				from, to := msg.ParseStateChanged()
				h.deliver(pipeline.EngineEvent{
					Kind: pipeline.EngineStateChanged,
					From: fmt.Sprint(from),
					To:   fmt.Sprint(to),
				})
			}
		}
	}
}
