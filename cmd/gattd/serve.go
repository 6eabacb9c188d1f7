package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/blue-gatt/host"
	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/gatt"
)

// serveDelegate prints what peers do to the published table
type serveDelegate struct {
	host.BaseDelegate
}

func (serveDelegate) StateChanged(peer string, from, to host.State) {
	logger.Debug("gattd", "%s: %s -> %s", logger.ShortID(peer), from, to)
}

func (serveDelegate) Disconnected(peer string, role transport.Role, reason error) {
	if reason != nil {
		logger.Info("gattd", "%s disconnected: %v", logger.ShortID(peer), reason)
		return
	}
	logger.Info("gattd", "%s disconnected", logger.ShortID(peer))
}

func (serveDelegate) DidWrite(reqs []*host.AccessRequest) {
	for _, r := range reqs {
		fmt.Printf("%s wrote 0x%04X (%s) offset %d: %X\n", logger.ShortID(r.Peer), r.Handle, r.UUID, r.Offset, r.Value)
	}
}

func (serveDelegate) Subscribed(peer string, char gatt.CharacteristicInfo, state gatt.SubscriptionState) {
	switch {
	case state.IndicateEnabled:
		fmt.Printf("%s subscribed to %s (indications)\n", logger.ShortID(peer), char.UUID)
	case state.NotifyEnabled:
		fmt.Printf("%s subscribed to %s (notifications)\n", logger.ShortID(peer), char.UUID)
	default:
		fmt.Printf("%s unsubscribed from %s\n", logger.ShortID(peer), char.UUID)
	}
}

func (serveDelegate) Paired(peer string) {
	logger.Info("gattd", "paired with %s", logger.ShortID(peer))
}

func serve(c *cli.Context) error {
	var restore *host.Snapshot
	session := c.String("session")
	if session != "" {
		snap, err := host.LoadSnapshot(session)
		switch {
		case err == nil:
			restore = snap
			logger.Info("gattd", "restoring session from %s (taken %s)", session, snap.TakenAt.Format(time.RFC3339))
		case os.IsNotExist(errors.Cause(err)):
		default:
			return err
		}
	}

	table, err := cfg.Table()
	if err != nil {
		return err
	}

	a, err := newAdapter()
	if err != nil {
		return err
	}
	tracer, err := newTracer()
	if err != nil {
		a.Close()
		return err
	}
	if tracer != nil {
		defer tracer.Close()
	}

	h, err := host.New(host.Options{
		Adapter:           a,
		Delegate:          serveDelegate{},
		MTU:               cfg.ATT.MTU,
		Timeout:           cfg.ATT.Timeout,
		KeepLinkOnTimeout: !cfg.ATT.DisconnectOnTimeout,
		Tracer:            tracer,
		Restore:           restore,
	})
	if err != nil {
		a.Close()
		return err
	}
	defer h.Close()

	if restore == nil {
		for _, svc := range table {
			r, err := h.AddService(svc)
			if err != nil {
				return errors.Wrapf(err, "can't add service %s", svc.UUID)
			}
			logger.Info("gattd", "service %s at %s", svc.UUID, r)
		}
	}

	if err := h.Advertise(cfg.Advertising.Data(), true); err != nil {
		return errors.Wrap(err, "can't advertise")
	}
	fmt.Printf("serving %d services as %s\n", len(h.Database().Services()), cfg.DeviceID)

	ctx, cancel := runContext(c.Duration("duration"))
	defer cancel()

	var tick <-chan time.Time
	if d := c.Duration("tick"); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		tick = t.C
	}

	var counter uint32
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick:
			counter++
			pushCounter(h, counter)
		}
	}
	h.StopAdvertising()

	if session != "" {
		snap, err := h.Snapshot()
		if err != nil {
			return err
		}
		if err := host.SaveSnapshot(session, snap); err != nil {
			return err
		}
		logger.Info("gattd", "session saved to %s", session)
	}
	return nil
}

// pushCounter writes n to every notifiable characteristic
func pushCounter(h *host.Host, n uint32) {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, n)
	for _, svc := range h.Database().Services() {
		for _, ch := range svc.Characteristics {
			if ch.Properties&(gatt.PropNotify|gatt.PropIndicate) == 0 {
				continue
			}
			if _, err := h.UpdateValue(ch.ValueHandle, value); err != nil {
				logger.Warn("gattd", "update %s: %v", ch.UUID, err)
			}
		}
	}
}
