package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/blue-gatt/config"
	"github.com/user/blue-gatt/logger"
	"github.com/user/blue-gatt/swift"
)

func scan(c *cli.Context) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	opts := map[string]interface{}{
		swift.CBCentralManagerScanOptionAllowDuplicatesKey: c.Bool("dup"),
	}
	if err := s.cm.ScanForPeripherals(c.StringSlice("service"), opts); err != nil {
		return err
	}
	defer s.cm.StopScan()

	ctx, cancel := runContext(c.Duration("duration"))
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.ev.discovered:
			fmt.Printf("%s %-20q rssi %d %s\n", d.peripheral.UUID, d.peripheral.Name, d.rssi, describeAdvertisement(d.adv))
		}
	}
}

// describeAdvertisement prints the advertisement keys in a stable order
func describeAdvertisement(adv map[string]interface{}) string {
	keys := make([]string, 0, len(adv))
	for k := range adv {
		if k == swift.CBAdvertisementDataLocalNameKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, "kCBAdvData")
		switch v := adv[k].(type) {
		case []byte:
			parts = append(parts, fmt.Sprintf("%s=%X", name, v))
		case []string:
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(v, ",")))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", name, v))
		}
	}
	return strings.Join(parts, " ")
}

func explore(c *cli.Context) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Connect(c.String("peer")); err != nil {
		return err
	}
	fmt.Printf("peripheral %s, max write %d bytes\n", s.p.UUID, s.p.MaximumWriteValueLength(swift.CBCharacteristicWriteWithResponse))

	for _, svc := range s.p.Services {
		fmt.Printf("service %s\n", svc.UUID)
		for _, ch := range svc.Characteristics {
			fmt.Printf("  characteristic %s %s\n", ch.UUID, describeProperties(ch))
			if ch.IsReadable() {
				v, err := s.Read(ch)
				if err != nil {
					fmt.Printf("    value: %v\n", err)
				} else {
					fmt.Printf("    value: %X %q\n", v, v)
				}
			}
			for _, d := range ch.Descriptors {
				fmt.Printf("    descriptor %s\n", d.UUID)
			}
		}
	}
	return nil
}

func describeProperties(ch *swift.CBCharacteristic) string {
	var props []string
	if ch.IsReadable() {
		props = append(props, "read")
	}
	if ch.IsWritable() {
		props = append(props, "write")
	}
	if ch.IsWritableWithoutResponse() {
		props = append(props, "write_without_response")
	}
	if ch.IsNotifiable() {
		props = append(props, "notify")
	}
	if ch.SupportsIndication() {
		props = append(props, "indicate")
	}
	return "[" + strings.Join(props, " ") + "]"
}

// connectTo opens a session, connects to --peer and finds --service/--char
func connectTo(c *cli.Context) (*session, *swift.CBCharacteristic, error) {
	s, err := openSession()
	if err != nil {
		return nil, nil, err
	}
	if err := s.Connect(c.String("peer")); err != nil {
		s.Close()
		return nil, nil, err
	}
	ch, err := s.Characteristic(c.String("service"), c.String("char"))
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, ch, nil
}

func read(c *cli.Context) error {
	s, ch, err := connectTo(c)
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.Read(ch)
	if err != nil {
		return withATTCode(err)
	}
	fmt.Printf("%X\n", v)
	return nil
}

func write(c *cli.Context) error {
	value, err := config.DecodeHex(c.String("value"))
	if err != nil {
		return err
	}
	s, ch, err := connectTo(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Write(ch, value, c.Bool("no-response")); err != nil {
		return withATTCode(err)
	}
	logger.Info("gattd", "wrote %d bytes to %s", len(value), ch.UUID)
	return nil
}

func subscribe(c *cli.Context) error {
	s, ch, err := connectTo(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Subscribe(ch, true); err != nil {
		return withATTCode(err)
	}

	ctx, cancel := runContext(c.Duration("duration"))
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return s.Subscribe(ch, false)
		case err := <-s.ev.disconnects:
			return errors.Wrap(err, "link lost")
		case ev := <-s.ev.values:
			if ev.err == nil && ev.char.UUID == ch.UUID {
				fmt.Printf("%s %X\n", ch.UUID, ev.char.Value)
			}
		}
	}
}

// withATTCode adds the ATT error name when the peer refused
func withATTCode(err error) error {
	if code := swift.ATTErrorOf(err); code != 0 {
		return errors.Wrapf(err, "peer answered %s", code)
	}
	return err
}
