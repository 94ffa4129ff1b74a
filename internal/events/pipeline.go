/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PipelineCapacity is the bounded channel size; overflow drops the oldest
// queued event and increments a counter rather than blocking the producer.
const PipelineCapacity = 1024

// Matcher receives every event the pipeline fans out. Controllers register
// themselves as Matchers against their own policy caches.
type Matcher interface {
	MatchImage(ctx context.Context, e ImageEvent)
	MatchChart(ctx context.Context, e ChartEvent)
}

// Pipeline is a multiple-producer, single-consumer bounded channel with
// drop-oldest overflow semantics and a registered set of fan-out matchers.
type Pipeline struct {
	mu       sync.Mutex
	ch       chan Event
	matchers []Matcher

	// Dropped counts events discarded due to overflow.
	droppedMu sync.Mutex
	dropped   int64
}

// NewPipeline constructs a Pipeline with the standard bounded capacity.
func NewPipeline() *Pipeline {
	return &Pipeline{ch: make(chan Event, PipelineCapacity)}
}

// Register adds a Matcher to the fan-out set. It is safe to call while Run
// is consuming; a matcher registered late only sees events dispatched after
// it was added.
func (p *Pipeline) Register(m Matcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matchers = append(p.matchers, m)
}

// Dropped returns the number of events discarded due to channel overflow.
func (p *Pipeline) Dropped() int64 {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	return p.dropped
}

// PublishImage enqueues an ImageEvent, dropping the oldest queued event on
// overflow instead of blocking the caller.
func (p *Pipeline) PublishImage(e ImageEvent) {
	p.publish(Event{Image: &e})
}

// PublishChart enqueues a ChartEvent, dropping the oldest queued event on
// overflow instead of blocking the caller.
func (p *Pipeline) PublishChart(e ChartEvent) {
	p.publish(Event{Chart: &e})
}

func (p *Pipeline) publish(e Event) {
	select {
	case p.ch <- e:
		return
	default:
	}

	// Channel full: drop the oldest queued event, then enqueue this one.
	select {
	case <-p.ch:
		p.droppedMu.Lock()
		p.dropped++
		p.droppedMu.Unlock()
	default:
	}

	select {
	case p.ch <- e:
	default:
		// Another producer raced us to the freed slot; count this one
		// dropped too rather than spin.
		p.droppedMu.Lock()
		p.dropped++
		p.droppedMu.Unlock()
	}
}

// Run is the single fan-out consumer. It blocks until ctx is cancelled,
// draining the channel and finishing any in-flight dispatch before
// returning.
func (p *Pipeline) Run(ctx context.Context) {
	logger := log.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case e := <-p.ch:
					p.dispatch(ctx, e)
				default:
					drained = true
				}
			}
			logger.Info("event pipeline shutting down", "dropped", p.Dropped())
			return
		case e := <-p.ch:
			p.dispatch(ctx, e)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, e Event) {
	p.mu.Lock()
	matchers := make([]Matcher, len(p.matchers))
	copy(matchers, p.matchers)
	p.mu.Unlock()

	for _, m := range matchers {
		switch {
		case e.Image != nil:
			m.MatchImage(ctx, *e.Image)
		case e.Chart != nil:
			m.MatchChart(ctx, *e.Chart)
		}
	}
}
