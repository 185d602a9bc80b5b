// Copyright 2023 The pagetier Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetier

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// copyDesc is one unit of offloaded content movement: a copy, or an
// in-place swap when swap is set. Completion is reported on the done
// channel of the batch that submitted the descriptor, so concurrent
// batches sharing a channel never consume each other's completions.
type copyDesc struct {
	dst     []byte
	src     []byte
	swap    bool
	err     error
	channel int
	done    chan *copyDesc
}

// copyChannel is one offload engine. Descriptors submitted to a
// channel run in submission order.
type copyChannel struct {
	id      int
	pending chan *copyDesc
	exec    func(*copyDesc) error
}

const channelQueueDepth = 128

func (c *copyChannel) run(d *copyDesc) {
	d.channel = c.id
	if c.exec != nil {
		d.err = c.exec(d)
	} else if d.swap {
		exchangeChunkSync(d.dst, d.src)
	} else {
		copy(d.dst, d.src)
	}
	d.done <- d
}

// service drains the pending queue. One goroutine per channel, for
// the lifetime of the pool.
func (c *copyChannel) service() {
	for d := range c.pending {
		c.run(d)
	}
}

// ChannelPool manages the copy channels that the engine offloads
// content movement to. Channels are reserved for the duration of one
// batch and descriptors are spread over them round robin.
//
// Known hazard, kept to preserve behavior of the offload toggle: a
// concurrent Disable does not wait for in-flight batches, so a batch
// racing with the toggle can still complete on a disabled pool.
type ChannelPool struct {
	mu       sync.Mutex
	enabled  bool
	useAll   bool
	channels []*copyChannel
}

// NewChannelPool creates a pool with the given number of channels
// and starts servicing them.
func NewChannelPool(channels int) *ChannelPool {
	return newChannelPoolExec(channels, nil)
}

// newChannelPoolExec creates a pool whose channels run exec instead
// of moving bytes. Used by tests to inject channel faults.
func newChannelPoolExec(channels int, exec func(*copyDesc) error) *ChannelPool {
	p := &ChannelPool{enabled: channels > 0, useAll: true}
	for i := 0; i < channels; i++ {
		c := &copyChannel{
			id:      i,
			pending: make(chan *copyDesc, channelQueueDepth),
			exec:    exec,
		}
		p.channels = append(p.channels, c)
		go c.service()
	}
	return p
}

// Enable makes the channels available for offload.
func (p *ChannelPool) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = len(p.channels) > 0
}

// Disable stops handing out channels. In-flight batches finish.
func (p *ChannelPool) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// UseAllChannels selects whether a batch spreads over every channel
// or stays on one.
func (p *ChannelPool) UseAllChannels(useAll bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.useAll = useAll
}

// reserve returns the channels for one batch.
func (p *ChannelPool) reserve() ([]*copyChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || len(p.channels) == 0 {
		return nil, errors.Wrap(ErrChannelReserve, "channel offload disabled")
	}
	if !p.useAll {
		return p.channels[:1], nil
	}
	return p.channels, nil
}

// Run submits the descriptors over the reserved channels and waits
// for all completions of this batch on its own completion channel.
// Submission never blocks: a full channel queue fails the batch
// instead of stalling the caller.
func (p *ChannelPool) Run(descs []*copyDesc) error {
	channels, err := p.reserve()
	if err != nil {
		return err
	}
	done := make(chan *copyDesc, len(descs))
	submitted := 0
	var submitErr error
	for i, d := range descs {
		c := channels[i%len(channels)]
		d.done = done
		select {
		case c.pending <- d:
			submitted++
		default:
			submitErr = errors.Wrapf(ErrChannelSubmit, "channel %d queue full", c.id)
		}
		if submitErr != nil {
			break
		}
	}

	var allErrors *multierror.Error
	allErrors = multierror.Append(allErrors, submitErr)
	for n := 0; n < submitted; n++ {
		d := <-done
		if d.err != nil {
			allErrors = multierror.Append(allErrors,
				errors.Wrapf(ErrChannelComplete, "channel %d: %v", d.channel, d.err))
		}
	}
	return allErrors.ErrorOrNil()
}
