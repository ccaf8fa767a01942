package fhirclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cohort/cohort/internal/platform/fhir"
)

// run is the dispatcher loop. It alone touches c.queue and c.active.
func (c *Client) run() {
	defer close(c.stopped)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var timerC <-chan time.Time

	stopTimer := func() {
		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerC = nil
	}

	for {
		select {
		case p := <-c.enqueue:
			c.queue = append(c.queue, p)
			c.queued.Store(int64(len(c.queue)))
			if len(c.queue) >= c.cfg.MaxRequestsPerBatch {
				stopTimer()
				c.flush()
				continue
			}
			stopTimer()
			timer.Reset(c.cfg.BatchTimeout)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			c.flush()

		case <-c.finished:
			c.active--
			c.inFlight.Store(int64(c.active))
			if len(c.queue) > 0 && timerC == nil {
				c.flush()
			}

		case reply := <-c.clearReq:
			stopTimer()
			reply <- c.abortQueued(ErrAborted)

		case <-c.quit:
			stopTimer()
			n := c.abortQueued(ErrClosed)
			if n > 0 {
				c.logger.Debug().Int("aborted", n).Msg("dispatcher stopped with queued requests")
			}
			return
		}
	}
}

func (c *Client) abortQueued(err error) int {
	n := len(c.queue)
	for _, p := range c.queue {
		p.settle(result{err: err})
	}
	c.queue = nil
	c.queued.Store(0)
	return n
}

// flush starts physical requests while the active limit allows. Higher
// priorities go first; equal priorities keep submission order.
func (c *Client) flush() {
	size := c.cfg.MaxRequestsPerBatch
	if !c.cfg.BatchEnabled {
		size = 1
	}

	sort.SliceStable(c.queue, func(i, j int) bool {
		return c.queue[i].priority > c.queue[j].priority
	})

	for c.active < c.cfg.MaxActiveRequests && len(c.queue) > 0 {
		n := min(size, len(c.queue))
		group := make([]*pending, 0, n)
		for _, p := range c.queue[:n] {
			if err := p.ctx.Err(); err != nil {
				p.settle(result{err: err})
				continue
			}
			group = append(group, p)
		}
		c.queue = c.queue[n:]
		if len(group) == 0 {
			continue
		}

		c.active++
		go c.send(group)
	}

	c.queued.Store(int64(len(c.queue)))
	c.inFlight.Store(int64(c.active))
}

// send performs the physical request(s) for one flushed group and reports
// completion to the dispatcher.
func (c *Client) send(group []*pending) {
	defer func() {
		select {
		case c.finished <- struct{}{}:
		case <-c.quit:
		}
	}()

	var batch []*pending
	var urls []string
	for _, p := range group {
		rel, ok := c.relative(p.url)
		if !ok || len(group) == 1 {
			c.sendSingle(p)
			continue
		}
		batch = append(batch, p)
		urls = append(urls, rel)
	}

	switch len(batch) {
	case 0:
	case 1:
		c.sendSingle(batch[0])
	default:
		c.sendBatch(batch, urls)
	}
}

func (c *Client) sendSingle(p *pending) {
	url := c.absolute(p.url)
	status, body, err := c.do(c.ctx, http.MethodGet, url, nil)
	if err != nil {
		p.settle(result{err: err})
		return
	}
	if !isSuccess(status) {
		p.settle(result{err: newHTTPError(status, url, body)})
		return
	}
	p.settle(result{resp: &Response{Status: status, Data: body}})
}

// sendBatch POSTs one batch Bundle and fans the entries back to their
// callers by index. A failing entry only fails its own caller.
func (c *Client) sendBatch(group []*pending, urls []string) {
	payload, err := json.Marshal(fhir.NewBatchBundle(urls))
	if err != nil {
		c.settleAll(group, fmt.Errorf("encode batch bundle: %w", err))
		return
	}

	c.batches.Add(1)
	status, body, err := c.do(c.ctx, http.MethodPost, c.base, payload)
	if err != nil {
		c.settleAll(group, err)
		return
	}
	if !isSuccess(status) {
		c.settleAll(group, newHTTPError(status, c.base, body))
		return
	}

	var resp fhir.Bundle
	if err := json.Unmarshal(body, &resp); err != nil {
		c.settleAll(group, fmt.Errorf("decode batch response: %w", err))
		return
	}

	for i, p := range group {
		if i >= len(resp.Entry) {
			p.settle(result{err: fmt.Errorf("batch response has no entry %d for %s", i, urls[i])})
			continue
		}
		entry := resp.Entry[i]
		entryStatus := http.StatusOK
		var outcome json.RawMessage
		if entry.Response != nil {
			entryStatus = fhir.ParseEntryStatus(entry.Response.Status)
			outcome = entry.Response.Outcome
		}

		switch {
		case isSuccess(entryStatus):
			p.settle(result{resp: &Response{Status: entryStatus, Data: entry.Resource}})
		case entryStatus == http.StatusUnauthorized || entryStatus == http.StatusForbidden:
			// the standalone path owns the credentialed re-send
			c.sendSingle(p)
		default:
			if len(outcome) == 0 {
				outcome = entry.Resource
			}
			p.settle(result{err: newHTTPError(entryStatus, c.absolute(urls[i]), outcome)})
		}
	}
}

func (c *Client) settleAll(group []*pending, err error) {
	for _, p := range group {
		p.settle(result{err: err})
	}
}
