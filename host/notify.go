package host

import (
	"sort"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/l2cap"
)

// push sends value to every Ready subscriber of the characteristic at
// handle, except skip. peers narrows the audience when non-empty. It
// reports false when a subscriber could not take the update now; those
// subscribers get ReadyToUpdate once they can.
func (h *Host) push(handle uint16, value []byte, peers []string, skip *Conn) bool {
	var only map[string]bool
	if len(peers) > 0 {
		only = make(map[string]bool, len(peers))
		for _, p := range peers {
			only[p] = true
		}
	}

	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sent := true
	for _, id := range ids {
		c := h.conns[id]
		if c == skip || c.state != Ready || (only != nil && !only[id]) {
			continue
		}
		sub, ok := c.cccd.GetSubscription(handle)
		if !ok || !sub.Active() {
			continue
		}

		v := value
		if room := att.MaxValueLen(c.mtu, 3); len(v) > room {
			v = v[:room]
		}

		if sub.NotifyEnabled {
			if err := c.sendPDU(&att.HandleValueNotification{Handle: handle, Value: v}); err != nil {
				sent = false
			}
			continue
		}
		if c.indications.HasPending() {
			c.wantReady = true
			sent = false
			continue
		}
		if err := c.indicate(handle, v); err != nil {
			sent = false
		}
	}
	return sent
}

// indicate sends one indication; the next waits for its confirmation
func (c *Conn) indicate(handle uint16, value []byte) error {
	data, err := att.EncodePacket(&att.HandleValueIndication{Handle: handle, Value: value})
	if err != nil {
		return err
	}

	p, err := c.indications.Start(att.OpHandleValueIndication, handle, c.h.loop.now(), func(_ att.Packet, err error) {
		c.h.loop.Cancel(c.indTimer)
		c.indTimer = nil
		if err != nil {
			logger.Debug(c.tag(), "indication 0x%04X: %v", handle, err)
			return
		}
		if c.wantReady {
			c.wantReady = false
			c.h.emit(func(d Delegate) { d.ReadyToUpdate(c.peer) })
		}
	})
	if err != nil {
		return err
	}

	seq := p.Seq
	c.indTimer = c.h.loop.AfterFunc(c.indications.Timeout(), func() {
		c.indTimer = nil
		if c.indications.Expire(seq, c.h.loop.now()) {
			c.timedOut("indication")
		}
	})

	if err := c.transmit(l2cap.ChannelATT, data); err != nil {
		c.indications.Fail(err)
		return err
	}
	return nil
}
