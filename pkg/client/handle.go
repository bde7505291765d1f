package client

import (
	"errors"

	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/scene"
	"github.com/fisync/fisync/pkg/volume"
)

// handle routes one inbound message. It runs on the read goroutine.
func (c *Client) handle(msg protocol.Message) {
	switch mt := msg.Type(); mt {
	case protocol.TypeAuthentication:
		if msg.Status() == protocol.StatusInfoRequired {
			c.challenge.Do(func() {
				c.mu.Lock()
				c.id = msg.Info.String(protocol.KeyClientID)
				c.mu.Unlock()
				close(c.challenged)
			})
			return
		}
		c.deliverOrLog(mt, msg)

	case protocol.TypeModuleList:
		c.deliverOrLog(mt, msg)

	case protocol.TypeModule:
		moduleID := msg.Info.String(protocol.KeyModuleID)
		if requestID := msg.Info.String(protocol.KeyRequestID); requestID != "" {
			c.deliverOrLog(moduleKey(moduleID, requestID), msg)
			return
		}
		b, err := coalesce.ParseBatch(msg)
		if err != nil {
			c.logger.Warn("dropping module message", "module_id", moduleID, "error", err)
			return
		}
		c.applyMirror(b)
		if b.Snapshot {
			c.deliver(moduleKey(moduleID, protocol.RequestSubscribe), msg)
		}

	case protocol.TypeData:
		c.handleData(msg)

	default:
		if msg.Status() == protocol.StatusError {
			c.logger.Warn("server error", "message_type", mt, "error", protocol.ReplyError(msg))
			return
		}
		c.logger.Debug("ignoring message", "message_type", mt)
	}
}

func (c *Client) deliverOrLog(key string, msg protocol.Message) {
	if !c.deliver(key, msg) {
		c.logger.Debug("unsolicited reply", "key", key, "status", msg.Status())
	}
}

// applyMirror applies a pushed batch to the module's mirror. A snapshot
// replaces the mirror's content.
func (c *Client) applyMirror(b *coalesce.Batch) {
	c.mu.Lock()
	sc, ok := c.mirrors[b.ModuleID]
	if !ok {
		sc = scene.New()
		c.mirrors[b.ModuleID] = sc
	}
	last := c.sequences[b.ModuleID]
	c.sequences[b.ModuleID] = b.Sequence
	c.mu.Unlock()

	if b.Snapshot {
		sc.Clear()
	} else if b.Sequence != 0 && last != 0 && b.Sequence != last+1 {
		c.logger.Debug("batch sequence gap", "module_id", b.ModuleID, "last", last, "sequence", b.Sequence)
	}
	if err := applyBatch(sc, b); err != nil {
		c.logger.Warn("batch partially applied", "module_id", b.ModuleID, "error", err)
	}
	if c.onBatch != nil {
		c.onBatch(b)
	}
}

// applyBatch applies every entry of b to sc and returns the failures.
func applyBatch(sc *scene.Scene, b *coalesce.Batch) error {
	var errs []error
	for _, e := range b.Visuals {
		if err := sc.ApplyVisualEntry(e, b.Payload()); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range b.Interactions {
		if err := sc.ApplyInteractionEntry(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleData resolves or fails the fetch a Data reply answers. Error
// replies echo the request's addressing keys.
func (c *Client) handleData(msg protocol.Message) {
	if replyErr := protocol.ReplyError(msg); replyErr != nil {
		req, err := volume.ParseRequest(msg)
		if err != nil {
			c.logger.Warn("data error without address", "error", replyErr)
			return
		}
		c.forgetFetch(req.DataID, req.Address)
		if !c.cache.OnSliceFailed(req.DataID, req.Address, replyErr) {
			c.logger.Debug("data error for no outstanding fetch", "data_id", req.DataID, "slice", req.Address.String())
		}
		return
	}

	resp, err := volume.ParseResponse(msg)
	if err != nil {
		c.logger.Warn("dropping data response", "error", err)
		if req, perr := volume.ParseRequest(msg); perr == nil {
			c.forgetFetch(req.DataID, req.Address)
			c.cache.OnSliceFailed(req.DataID, req.Address, err)
		}
		return
	}
	c.forgetFetch(resp.DataID, resp.Address)
	if err := c.cache.OnSliceArrived(resp.DataID, resp.Meta, resp.Address, resp.Payload); err != nil {
		c.logger.Warn("rejecting slice", "data_id", resp.DataID, "slice", resp.Address.String(), "error", err)
		c.cache.OnSliceFailed(resp.DataID, resp.Address, err)
	}
}

func (c *Client) forgetFetch(dataID string, addr volume.SliceAddress) {
	c.mu.Lock()
	delete(c.fetches, fetchKey{dataID: dataID, addr: addr})
	c.mu.Unlock()
}
