package host

import (
	"github.com/pkg/errors"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
)

// serve answers one request or command from the peer against our table.
// Every request gets exactly one response or Error Response.
func (c *Conn) serve(pkt att.Packet) {
	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		c.sendPDU(&att.ExchangeMTUResponse{ServerRxMTU: uint16(c.h.mtu)})
		c.mtu = att.NegotiateMTU(p.ClientRxMTU, uint16(c.h.mtu))
		logger.Debug(c.tag(), "MTU %d (peer asked %d)", c.mtu, p.ClientRxMTU)

	case *att.FindInformationRequest:
		c.serveFindInformation(p)
	case *att.FindByTypeValueRequest:
		c.serveFindByTypeValue(p)
	case *att.ReadByTypeRequest:
		c.serveReadByType(p)
	case *att.ReadByGroupTypeRequest:
		c.serveReadByGroupType(p)

	case *att.ReadRequest:
		c.serveRead(att.OpReadRequest, p.Handle, 0)
	case *att.ReadBlobRequest:
		c.serveRead(att.OpReadBlobRequest, p.Handle, int(p.Offset))
	case *att.ReadMultipleRequest:
		c.serveReadMultiple(p)

	case *att.WriteRequest:
		c.serveWrite(att.OpWriteRequest, p.Handle, p.Value)
	case *att.WriteCommand:
		c.serveWrite(att.OpWriteCommand, p.Handle, p.Value)
	case *att.PrepareWriteRequest:
		c.servePrepareWrite(p)
	case *att.ExecuteWriteRequest:
		c.serveExecuteWrite(p)

	default:
		op := pkt.Opcode()
		if att.IsRequest(op) {
			c.sendError(op, 0, att.ErrRequestNotSupported)
			return
		}
		logger.Warn(c.tag(), "ignoring %s", att.OpcodeName(op))
	}
}

// ask runs a delegate hook off the loop. The connection serves nothing
// else from the peer until the answer is back or hookWait runs out, so
// the peer always hears back before its own transaction timeout.
func (c *Conn) ask(hook func(d Delegate, respond func(code uint8)), then func(code uint8)) {
	c.busy = true
	answered := false
	var timer *Timer
	finish := func(code uint8) {
		if answered {
			return
		}
		answered = true
		c.h.loop.Cancel(timer)
		c.busy = false
		if !c.state.live() {
			return
		}
		then(code)
		c.drainInbox()
	}
	wait := c.h.hookWait()
	timer = c.h.loop.AfterFunc(wait, func() {
		logger.Warn(c.tag(), "no answer from the delegate within %v", wait)
		finish(att.ErrUnlikelyError)
	})

	d := c.h.delegate
	c.h.callback(func() {
		hook(d, func(code uint8) {
			c.h.post(func() { finish(code) })
		})
	})
}

func checkRange(start, end uint16) bool {
	return start != 0 && start <= end
}

// attributeValue is what this peer sees: CCCDs hold per-connection state
func (c *Conn) attributeValue(a *gatt.Attribute) []byte {
	if !a.Type.Equal(gatt.UUIDClientCharacteristicConfig) {
		return a.Value
	}
	char, ok := c.h.db.CharacteristicForCCCD(a.Handle)
	if !ok {
		return a.Value
	}
	sub, _ := c.cccd.GetSubscription(char.ValueHandle)
	return gatt.EncodeCCCDValue(sub.NotifyEnabled, sub.IndicateEnabled)
}

func (c *Conn) serveFindInformation(p *att.FindInformationRequest) {
	if !checkRange(p.StartHandle, p.EndHandle) {
		c.sendError(att.OpFindInformationRequest, p.StartHandle, att.ErrInvalidHandle)
		return
	}
	attrs := c.h.db.AttributesInRange(p.StartHandle, p.EndHandle)
	if len(attrs) == 0 {
		c.sendError(att.OpFindInformationRequest, p.StartHandle, att.ErrAttributeNotFound)
		return
	}
	resp, err := gatt.BuildFindInformationResponse(attrs, c.mtu)
	if err != nil {
		logger.Error(c.tag(), "find information: %v", err)
		c.sendError(att.OpFindInformationRequest, p.StartHandle, att.ErrUnlikelyError)
		return
	}
	c.sendPDU(resp)
}

func (c *Conn) serveFindByTypeValue(p *att.FindByTypeValueRequest) {
	if !checkRange(p.StartHandle, p.EndHandle) {
		c.sendError(att.OpFindByTypeValueRequest, p.StartHandle, att.ErrInvalidHandle)
		return
	}
	found := c.h.db.FindByTypeValue(p.StartHandle, p.EndHandle, gatt.UUID16(p.AttributeType), p.Value)
	if len(found) == 0 {
		c.sendError(att.OpFindByTypeValueRequest, p.StartHandle, att.ErrAttributeNotFound)
		return
	}
	room := att.MaxValueLen(c.mtu, 1) / 4
	if len(found) > room {
		found = found[:room]
	}
	resp := &att.FindByTypeValueResponse{Handles: make([]att.HandleRange, len(found))}
	for i, r := range found {
		resp.Handles[i] = att.HandleRange{Start: r.Start, End: r.End}
	}
	c.sendPDU(resp)
}

// serveReadByType packs consecutive readable attributes. An attribute the
// delegate watches is served alone so its hook sees the read.
func (c *Conn) serveReadByType(p *att.ReadByTypeRequest) {
	const op = att.OpReadByTypeRequest
	if !checkRange(p.StartHandle, p.EndHandle) {
		c.sendError(op, p.StartHandle, att.ErrInvalidHandle)
		return
	}
	typ, err := gatt.UUIDFromBytes(p.Type)
	if err != nil {
		c.sendError(op, p.StartHandle, att.ErrInvalidPDU)
		return
	}
	found := c.h.db.AttributesByType(p.StartHandle, p.EndHandle, typ)
	if len(found) == 0 {
		c.sendError(op, p.StartHandle, att.ErrAttributeNotFound)
		return
	}

	var attrs []*gatt.Attribute
	for i, a := range found {
		if code := a.Permissions.CheckRead(c.sec); code != 0 {
			if i == 0 {
				c.sendError(op, a.Handle, code)
				return
			}
			break
		}
		if c.h.hooked(a) {
			if i == 0 {
				attrs = append(attrs, a)
			}
			break
		}
		a.Value = c.attributeValue(a)
		attrs = append(attrs, a)
	}

	reply := func(attrs []*gatt.Attribute) {
		resp, err := gatt.BuildReadByTypeResponse(attrs, c.mtu)
		if err != nil {
			logger.Error(c.tag(), "read by type: %v", err)
			c.sendError(op, p.StartHandle, att.ErrUnlikelyError)
			return
		}
		c.sendPDU(resp)
	}

	first := attrs[0]
	if len(attrs) > 1 || !c.h.hooked(first) {
		reply(attrs)
		return
	}
	req := &AccessRequest{Peer: c.peer, Handle: first.Handle, UUID: first.Type, Value: first.Value}
	c.ask(func(d Delegate, respond func(uint8)) { d.WillRead(req, respond) }, func(code uint8) {
		if code != 0 {
			c.sendError(op, first.Handle, code)
			return
		}
		first.Value = req.Value
		reply([]*gatt.Attribute{first})
	})
}

func (c *Conn) serveReadByGroupType(p *att.ReadByGroupTypeRequest) {
	const op = att.OpReadByGroupTypeRequest
	if !checkRange(p.StartHandle, p.EndHandle) {
		c.sendError(op, p.StartHandle, att.ErrInvalidHandle)
		return
	}
	typ, err := gatt.UUIDFromBytes(p.Type)
	if err != nil {
		c.sendError(op, p.StartHandle, att.ErrInvalidPDU)
		return
	}
	if !typ.Equal(gatt.UUIDPrimaryService) && !typ.Equal(gatt.UUIDSecondaryService) {
		c.sendError(op, p.StartHandle, att.ErrUnsupportedGroupType)
		return
	}
	groups := c.h.db.GroupsByType(p.StartHandle, p.EndHandle, typ)
	if len(groups) == 0 {
		c.sendError(op, p.StartHandle, att.ErrAttributeNotFound)
		return
	}
	resp, err := gatt.BuildReadByGroupTypeResponse(groups, c.mtu)
	if err != nil {
		logger.Error(c.tag(), "read by group type: %v", err)
		c.sendError(op, p.StartHandle, att.ErrUnlikelyError)
		return
	}
	c.sendPDU(resp)
}

func (c *Conn) serveRead(op uint8, handle uint16, offset int) {
	a, code := c.h.db.CheckAccess(handle, gatt.AccessRead, c.sec)
	if code != 0 {
		c.sendError(op, handle, code)
		return
	}
	value := c.attributeValue(a)
	room := att.MaxValueLen(c.mtu, 1)
	switch {
	case offset > len(value):
		c.sendError(op, handle, att.ErrInvalidOffset)
		return
	case op == att.OpReadBlobRequest && offset > 0 && len(value) <= room:
		c.sendError(op, handle, att.ErrAttributeNotLong)
		return
	}

	reply := func(v []byte) {
		if len(v) > room {
			v = v[:room]
		}
		if op == att.OpReadBlobRequest {
			c.sendPDU(&att.ReadBlobResponse{Value: v})
		} else {
			c.sendPDU(&att.ReadResponse{Value: v})
		}
	}

	if !c.h.hooked(a) {
		reply(value[offset:])
		return
	}
	req := &AccessRequest{
		Peer:   c.peer,
		Handle: handle,
		UUID:   a.Type,
		Offset: offset,
		Value:  append([]byte{}, value[offset:]...),
	}
	c.ask(func(d Delegate, respond func(uint8)) { d.WillRead(req, respond) }, func(code uint8) {
		if code != 0 {
			c.sendError(op, handle, code)
			return
		}
		reply(req.Value)
	})
}

// serveReadMultiple concatenates whole values; any denied handle fails the lot
func (c *Conn) serveReadMultiple(p *att.ReadMultipleRequest) {
	const op = att.OpReadMultipleRequest
	var values []byte

	var next func(i int)
	next = func(i int) {
		if i == len(p.Handles) {
			if room := att.MaxValueLen(c.mtu, 1); len(values) > room {
				values = values[:room]
			}
			c.sendPDU(&att.ReadMultipleResponse{Values: values})
			return
		}
		handle := p.Handles[i]
		a, code := c.h.db.CheckAccess(handle, gatt.AccessRead, c.sec)
		if code != 0 {
			c.sendError(op, handle, code)
			return
		}
		value := c.attributeValue(a)
		if !c.h.hooked(a) {
			values = append(values, value...)
			next(i + 1)
			return
		}
		req := &AccessRequest{Peer: c.peer, Handle: handle, UUID: a.Type, Value: append([]byte{}, value...)}
		c.ask(func(d Delegate, respond func(uint8)) { d.WillRead(req, respond) }, func(code uint8) {
			if code != 0 {
				c.sendError(op, handle, code)
				return
			}
			values = append(values, req.Value...)
			next(i + 1)
		})
	}
	next(0)
}

// serveWrite handles Write Request and Write Command. Commands are never
// answered, even when they fail.
func (c *Conn) serveWrite(op uint8, handle uint16, value []byte) {
	respond := op == att.OpWriteRequest
	fail := func(code uint8) {
		if respond {
			c.sendError(op, handle, code)
			return
		}
		logger.Debug(c.tag(), "dropping write command on 0x%04X: %s", handle, att.ErrorName(code))
	}

	a, code := c.h.db.CheckAccess(handle, gatt.AccessWrite, c.sec)
	if code != 0 {
		fail(code)
		return
	}
	if a.Type.Equal(gatt.UUIDClientCharacteristicConfig) {
		if code := c.writeCCCD(a.Handle, value); code != 0 {
			fail(code)
			return
		}
		if respond {
			c.sendPDU(&att.WriteResponse{})
		}
		return
	}
	if len(value) > gatt.MaxAttributeValueLen {
		fail(att.ErrInvalidAttributeValueLength)
		return
	}

	req := &AccessRequest{Peer: c.peer, Handle: handle, UUID: a.Type, Value: append([]byte{}, value...), Command: !respond}
	apply := func() {
		if err := c.h.db.SetValue(handle, req.Value); err != nil {
			code := att.GetErrorCode(err)
			if code == 0 {
				code = att.ErrUnlikelyError
			}
			fail(code)
			return
		}
		if respond {
			c.sendPDU(&att.WriteResponse{})
		}
		c.h.written(c, []*AccessRequest{req})
	}

	if !c.h.hooked(a) {
		apply()
		return
	}
	c.ask(func(d Delegate, respond func(uint8)) { d.WillWrite([]*AccessRequest{req}, respond) }, func(code uint8) {
		if code != 0 {
			fail(code)
			return
		}
		apply()
	})
}

// writeCCCD records this peer's subscription and returns an ATT error code
func (c *Conn) writeCCCD(handle uint16, value []byte) uint8 {
	char, ok := c.h.db.CharacteristicForCCCD(handle)
	if !ok {
		return att.ErrUnlikelyError
	}
	notify, indicate, err := gatt.DecodeCCCDValue(value)
	if err != nil {
		return att.ErrInvalidAttributeValueLength
	}
	if (notify && char.Properties&gatt.PropNotify == 0) || (indicate && char.Properties&gatt.PropIndicate == 0) {
		return att.ErrCCCDImproperlyConfigured
	}
	before, after, err := c.cccd.SetSubscription(char.ValueHandle, value)
	if err != nil {
		return att.ErrInvalidAttributeValueLength
	}
	if before != after {
		logger.Debug(c.tag(), "subscription 0x%04X notify=%v indicate=%v", char.ValueHandle, after.NotifyEnabled, after.IndicateEnabled)
		c.h.emit(func(d Delegate) { d.Subscribed(c.peer, char, after) })
	}
	return 0
}

func (c *Conn) servePrepareWrite(p *att.PrepareWriteRequest) {
	const op = att.OpPrepareWriteRequest
	a, code := c.h.db.CheckAccess(p.Handle, gatt.AccessWrite, c.sec)
	if code != 0 {
		c.sendError(op, p.Handle, code)
		return
	}
	if a.Type.Equal(gatt.UUIDClientCharacteristicConfig) {
		c.sendError(op, p.Handle, att.ErrAttributeNotLong)
		return
	}
	if err := c.prepared.AddPrepareWriteRequest(p); err != nil {
		code := att.GetErrorCode(err)
		if code == 0 {
			code = att.ErrPrepareQueueFull
		}
		c.sendError(op, p.Handle, code)
		return
	}
	c.sendPDU(&att.PrepareWriteResponse{Handle: p.Handle, Offset: p.Offset, Value: p.Value})
}

// serveExecuteWrite applies every queued prepare write, or none of them
func (c *Conn) serveExecuteWrite(p *att.ExecuteWriteRequest) {
	const op = att.OpExecuteWriteRequest
	if p.Flags == att.ExecuteWriteCancel {
		c.prepared.ClearAllQueues()
		c.sendPDU(&att.ExecuteWriteResponse{})
		return
	}

	writes := c.prepared.Drain()
	reqs := make([]*AccessRequest, 0, len(writes))
	hooked := false
	// value lengths as the queued writes extend them, in queue order
	lengths := make(map[uint16]int)
	for _, w := range writes {
		a, code := c.h.db.CheckAccess(w.Handle, gatt.AccessWrite, c.sec)
		if code == 0 {
			n, seen := lengths[w.Handle]
			if !seen {
				n = len(a.Value)
			}
			if int(w.Offset) > n {
				code = att.ErrInvalidOffset
			} else {
				lengths[w.Handle] = max(n, int(w.Offset)+len(w.Value))
			}
		}
		if code == 0 && int(w.Offset)+len(w.Value) > gatt.MaxAttributeValueLen {
			code = att.ErrInvalidAttributeValueLength
		}
		if code != 0 {
			c.sendError(op, w.Handle, code)
			return
		}
		hooked = hooked || c.h.hooked(a)
		reqs = append(reqs, &AccessRequest{Peer: c.peer, Handle: w.Handle, UUID: a.Type, Offset: int(w.Offset), Value: w.Value})
	}

	// The table may have moved on while WillWrite was deciding; a write
	// that no longer fits fails the batch and leaves every value as it was.
	apply := func() {
		batch := make([]gatt.ValueWrite, len(reqs))
		for i, r := range reqs {
			batch[i] = gatt.ValueWrite{Handle: r.Handle, Offset: uint16(r.Offset), Value: r.Value}
		}
		if err := c.h.db.WriteAll(batch); err != nil {
			code := att.GetErrorCode(err)
			if code == 0 {
				code = att.ErrUnlikelyError
			}
			handle := uint16(0)
			var ae *att.Error
			if errors.As(err, &ae) {
				handle = ae.Handle
			}
			c.sendError(op, handle, code)
			return
		}
		c.sendPDU(&att.ExecuteWriteResponse{})
		if len(reqs) > 0 {
			c.h.written(c, reqs)
		}
	}

	if !hooked {
		apply()
		return
	}
	c.ask(func(d Delegate, respond func(uint8)) { d.WillWrite(reqs, respond) }, func(code uint8) {
		if code != 0 {
			handle := uint16(0)
			if len(reqs) > 0 {
				handle = reqs[0].Handle
			}
			c.sendError(op, handle, code)
			return
		}
		apply()
	})
}
