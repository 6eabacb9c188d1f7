package host

import (
	"github.com/pkg/errors"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/security"
	"github.com/user/blue-gatt/wire/l2cap"
)

// pair starts a key exchange as initiator. A second call while one is
// running waits for the same outcome.
func (c *Conn) pair(done func(error)) {
	if c.pairing != nil {
		c.pairDone = append(c.pairDone, done)
		return
	}
	p, first, err := security.NewInitiator()
	if err != nil {
		done(errors.Wrap(err, "can't start pairing"))
		return
	}
	c.pairDone = append(c.pairDone, done)
	c.startPairing(p)
	if err := c.transmit(l2cap.ChannelSMP, first); err != nil {
		c.endPairing(err)
	}
}

func (c *Conn) startPairing(p *security.Pairing) {
	c.pairing = p
	c.pairTimer = c.h.loop.AfterFunc(c.h.timeout, func() {
		c.pairTimer = nil
		logger.Warn(c.tag(), "pairing timed out after %v", c.h.timeout)
		c.endPairing(ErrTimeout)
	})
}

// receiveSMP feeds the pairing exchange; a peer's public key opens one
func (c *Conn) receiveSMP(pdu []byte) {
	if c.pairing == nil {
		if !security.IsPairingStart(pdu) {
			logger.Warn(c.tag(), "SMP PDU outside pairing, dropped")
			return
		}
		p, err := security.NewResponder()
		if err != nil {
			logger.Error(c.tag(), "can't answer pairing: %v", err)
			return
		}
		logger.Debug(c.tag(), "peer started pairing")
		c.startPairing(p)
	}

	p := c.pairing
	reply, err := p.Handle(pdu)
	if reply != nil {
		if serr := c.transmit(l2cap.ChannelSMP, reply); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		logger.Warn(c.tag(), "pairing: %v", err)
		c.endPairing(err)
		return
	}
	if !p.Done() {
		return
	}

	c.sec.Encrypted = true
	c.h.bonds.Put(security.Bond{Peer: c.peer, Key: p.Key(), CreatedAt: c.h.loop.now()})
	logger.Info(c.tag(), "paired, link encrypted")
	c.h.emit(func(d Delegate) { d.Paired(c.peer) })
	c.endPairing(nil)
}

// endPairing resolves everyone waiting on the exchange, on the loop
func (c *Conn) endPairing(err error) {
	c.h.loop.Cancel(c.pairTimer)
	c.pairTimer = nil
	c.pairing = nil

	waiting := c.pairDone
	c.pairDone = nil
	if len(waiting) == 0 {
		return
	}
	for _, done := range waiting {
		done(err)
	}
}
