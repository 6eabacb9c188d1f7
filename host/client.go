package host

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/wire/att"
	"github.com/user/blue-gatt/wire/gatt"
	"github.com/user/blue-gatt/wire/l2cap"
)

// setup takes a fresh central link from Connected to Ready: MTU exchange,
// then discovery unless the table is already known
func (c *Conn) setup() {
	c.exchangeMTU(func(err error) {
		if err != nil {
			c.disconnect(err)
			return
		}
		if c.services != nil || c.h.skipDiscovery {
			c.setState(Ready)
			return
		}
		c.setState(ServiceDiscovery)
		c.discover(func(cache *gatt.DiscoveryCache, err error) {
			if err != nil {
				c.disconnect(err)
				return
			}
			c.services = cache
			c.setState(Ready)
		})
	})
}

func (c *Conn) exchangeMTU(done func(error)) {
	c.send(&request{
		pkt: &att.ExchangeMTURequest{ClientRxMTU: uint16(c.h.mtu)},
		done: func(pkt att.Packet, err error) {
			switch {
			case err == nil:
				resp := pkt.(*att.ExchangeMTUResponse)
				c.mtu = att.NegotiateMTU(uint16(c.h.mtu), resp.ServerRxMTU)
				logger.Debug(c.tag(), "MTU %d (peer offered %d)", c.mtu, resp.ServerRxMTU)
			case att.IsATTError(err, att.ErrRequestNotSupported):
				logger.Debug(c.tag(), "peer refused MTU exchange, staying at %d", c.mtu)
			default:
				done(err)
				return
			}
			done(nil)
		},
	})
}

// read fetches a whole value: a Read, then Read Blobs while each response
// comes back full
func (c *Conn) read(handle uint16, done func([]byte, error)) {
	var value []byte
	var step att.DoneFunc
	step = func(pkt att.Packet, err error) {
		if err != nil {
			if len(value) > 0 && (att.IsATTError(err, att.ErrAttributeNotLong) || att.IsATTError(err, att.ErrInvalidOffset)) {
				done(value, nil)
				return
			}
			done(nil, err)
			return
		}

		var chunk []byte
		switch p := pkt.(type) {
		case *att.ReadResponse:
			chunk = p.Value
		case *att.ReadBlobResponse:
			chunk = p.Value
		}
		value = append(value, chunk...)

		if len(chunk) < att.MaxValueLen(c.mtu, 1) || len(value) >= gatt.MaxAttributeValueLen {
			if value == nil {
				value = []byte{}
			}
			done(value, nil)
			return
		}
		c.sendNext(&request{
			pkt:    &att.ReadBlobRequest{Handle: handle, Offset: uint16(len(value))},
			handle: handle,
			done:   step,
		})
	}

	c.send(&request{pkt: &att.ReadRequest{Handle: handle}, handle: handle, done: step})
}

// write stores a value with a Write Request, or with Prepare Write and
// Execute Write when it does not fit in one PDU
func (c *Conn) write(handle uint16, value []byte, done func(error)) {
	if !att.ShouldFragment(c.mtu, value) {
		c.send(&request{
			pkt:    &att.WriteRequest{Handle: handle, Value: value},
			handle: handle,
			done:   func(_ att.Packet, err error) { done(err) },
		})
		return
	}

	chunks, err := att.FragmentWrite(handle, value, c.mtu)
	if err != nil {
		done(err)
		return
	}

	// Echoed chunks must match and stay contiguous
	echo := att.NewFragmenter()
	echo.SetLimit(0)

	cancel := func(cause error) {
		c.sendNext(&request{
			pkt:    &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCancel},
			handle: handle,
			done:   func(att.Packet, error) { done(cause) },
		})
	}

	var next func(i int)
	next = func(i int) {
		if i == len(chunks) {
			c.sendNext(&request{
				pkt:    &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit},
				handle: handle,
				done:   func(_ att.Packet, err error) { done(err) },
			})
			return
		}

		chunk := chunks[i]
		r := &request{pkt: chunk, handle: handle}
		r.done = func(pkt att.Packet, err error) {
			if err != nil {
				if att.GetErrorCode(err) != 0 {
					cancel(err)
				} else {
					done(err)
				}
				return
			}
			resp := pkt.(*att.PrepareWriteResponse)
			if resp.Offset != chunk.Offset || !bytes.Equal(resp.Value, chunk.Value) {
				cancel(errors.Errorf("prepare write echo mismatch at offset %d", chunk.Offset))
				return
			}
			if err := echo.AddPrepareWriteResponse(resp); err != nil {
				cancel(err)
				return
			}
			next(i + 1)
		}
		if i == 0 {
			c.send(r)
		} else {
			c.sendNext(r)
		}
	}
	next(0)
}

// writeCommand sends a Write Command; nothing comes back
func (c *Conn) writeCommand(handle uint16, value []byte) error {
	if room := att.MaxValueLen(c.mtu, 3); len(value) > room {
		return errors.Errorf("write without response carries at most %d bytes, got %d", room, len(value))
	}
	data, err := att.EncodePacket(&att.WriteCommand{Handle: handle, Value: value})
	if err != nil {
		return err
	}
	return c.transmit(l2cap.ChannelATT, data)
}

// subscribe writes the CCCD of the characteristic whose value is at handle
func (c *Conn) subscribe(valueHandle uint16, notify, indicate bool, done func(error)) {
	if c.services == nil {
		done(errors.Wrap(ErrNotFound, "services not discovered"))
		return
	}
	cccd, err := c.services.GetDescriptorHandle(valueHandle, gatt.UUIDClientCharacteristicConfig)
	if err != nil {
		done(errors.Wrap(ErrNotFound, err.Error()))
		return
	}
	c.write(cccd, gatt.EncodeCCCDValue(notify, indicate), done)
}

// discovery walks the peer's table: primary services, then the
// characteristics of each, then the descriptors of each characteristic
type discovery struct {
	c     *Conn
	cache *gatt.DiscoveryCache
	chars []gatt.DiscoveredCharacteristic
	done  func(*gatt.DiscoveryCache, error)
}

func (c *Conn) discover(done func(*gatt.DiscoveryCache, error)) {
	d := &discovery{c: c, cache: gatt.NewDiscoveryCache(), done: done}
	d.services(0x0001, c.send)
}

func (d *discovery) services(start uint16, send func(*request)) {
	send(&request{
		pkt:    &att.ReadByGroupTypeRequest{StartHandle: start, EndHandle: 0xFFFF, Type: gatt.UUIDPrimaryService.Bytes()},
		handle: start,
		done: func(pkt att.Packet, err error) {
			if att.IsATTError(err, att.ErrAttributeNotFound) {
				d.characteristics(0, 0)
				return
			}
			if err != nil {
				d.done(nil, err)
				return
			}
			found, err := gatt.ParseReadByGroupTypeResponse(pkt.(*att.ReadByGroupTypeResponse))
			if err != nil {
				d.done(nil, err)
				return
			}
			if len(found) == 0 {
				d.characteristics(0, 0)
				return
			}
			for _, s := range found {
				d.cache.AddService(s)
			}
			last := found[len(found)-1].EndHandle
			if last == 0xFFFF || last < start {
				d.characteristics(0, 0)
				return
			}
			d.services(last+1, d.c.sendNext)
		},
	})
}

func (d *discovery) characteristics(i int, start uint16) {
	if i == len(d.cache.Services) {
		d.descriptors()
		return
	}
	svc := d.cache.Services[i]
	if start == 0 {
		start = svc.StartHandle
	}
	if start > svc.EndHandle {
		d.cache.FinishCharacteristics(svc.StartHandle)
		d.characteristics(i+1, 0)
		return
	}

	d.c.sendNext(&request{
		pkt:    &att.ReadByTypeRequest{StartHandle: start, EndHandle: svc.EndHandle, Type: gatt.UUIDCharacteristic.Bytes()},
		handle: start,
		done: func(pkt att.Packet, err error) {
			if att.IsATTError(err, att.ErrAttributeNotFound) {
				d.cache.FinishCharacteristics(svc.StartHandle)
				d.characteristics(i+1, 0)
				return
			}
			if err != nil {
				d.done(nil, err)
				return
			}
			found, err := gatt.ParseReadByTypeResponse(pkt.(*att.ReadByTypeResponse))
			if err == nil && len(found) == 0 {
				err = errors.New("empty characteristic list")
			}
			if err != nil {
				d.done(nil, err)
				return
			}
			if last := found[len(found)-1].ValueHandle; last < start {
				d.done(nil, backwards(att.OpReadByTypeResponse, start, last))
				return
			}
			for _, ch := range found {
				d.cache.AddCharacteristic(svc.StartHandle, ch)
			}
			next := found[len(found)-1].ValueHandle + 1
			if next == 0 {
				next = svc.EndHandle + 1
			}
			d.characteristics(i, next)
		},
	})
}

// backwards rejects a discovery response that would not move the walk
// forward
func backwards(op uint8, start, last uint16) error {
	return &att.ProtocolError{
		Kind:   att.MalformedPDU,
		Opcode: op,
		Detail: fmt.Sprintf("last handle 0x%04X is below start 0x%04X", last, start),
	}
}

func (d *discovery) descriptors() {
	for _, s := range d.cache.Services {
		d.chars = append(d.chars, d.cache.Characteristics[s.StartHandle]...)
	}
	d.nextDescriptors(0, 0)
}

func (d *discovery) nextDescriptors(i int, start uint16) {
	if start == 0 {
		for i < len(d.chars) && d.chars[i].EndHandle <= d.chars[i].ValueHandle {
			i++
		}
	}
	if i >= len(d.chars) {
		d.done(d.cache, nil)
		return
	}
	ch := d.chars[i]
	if start == 0 {
		start = ch.ValueHandle + 1
	}

	d.c.sendNext(&request{
		pkt:    &att.FindInformationRequest{StartHandle: start, EndHandle: ch.EndHandle},
		handle: start,
		done: func(pkt att.Packet, err error) {
			if att.IsATTError(err, att.ErrAttributeNotFound) {
				d.nextDescriptors(i+1, 0)
				return
			}
			if err != nil {
				d.done(nil, err)
				return
			}
			found, err := gatt.ParseFindInformationResponse(pkt.(*att.FindInformationResponse))
			if err == nil && len(found) == 0 {
				err = errors.New("empty descriptor list")
			}
			if err != nil {
				d.done(nil, err)
				return
			}
			last := found[len(found)-1].Handle
			if last < start {
				d.done(nil, backwards(att.OpFindInformationResponse, start, last))
				return
			}
			for _, desc := range found {
				d.cache.AddDescriptor(ch.ValueHandle, desc)
			}
			if last >= ch.EndHandle || last == 0xFFFF {
				d.nextDescriptors(i+1, 0)
				return
			}
			d.nextDescriptors(i, last+1)
		},
	})
}
