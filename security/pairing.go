package security

import (
	"fmt"

	"github.com/pkg/errors"
)

// SMP opcodes used by the pairing exchange
const (
	OpPairingFailed     = 0x05
	OpPairingPublicKey  = 0x0C
	OpPairingDHKeyCheck = 0x0D
)

// Pairing failure reasons
const (
	ReasonUnspecified   = 0x08
	ReasonInvalidParams = 0x0A
	ReasonDHKeyCheck    = 0x0B
)

// ErrPairingFailed is returned when either side aborts the exchange
var ErrPairingFailed = errors.New("pairing failed")

// FailedError carries the reason code from a Pairing Failed PDU
type FailedError struct {
	Reason uint8
	Remote bool
}

func (e *FailedError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("pairing failed (%s, reason 0x%02X)", side, e.Reason)
}

func (e *FailedError) Is(target error) bool { return target == ErrPairingFailed }

type pairingState int

const (
	stateAwaitKey pairingState = iota
	stateAwaitCheck
	stateDone
	stateFailed
)

// Pairing is one side of a key exchange.
//
// Initiator                     Responder
//   PublicKey(Pa)  ------------>
//                  <------------  PublicKey(Pb)
//   DHKeyCheck(Ea) ------------>
//                  <------------  DHKeyCheck(Eb)
//
// It is driven by the connection's event loop and is not safe for
// concurrent use.
type Pairing struct {
	initiator bool
	keys      *KeyPair
	key       []byte
	state     pairingState
}

// NewInitiator starts a pairing and returns the first PDU to send
func NewInitiator() (*Pairing, []byte, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	p := &Pairing{initiator: true, keys: keys}
	return p, append([]byte{OpPairingPublicKey}, keys.PublicBytes()...), nil
}

// NewResponder prepares to answer a peer's public key
func NewResponder() (*Pairing, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Pairing{keys: keys}, nil
}

// IsPairingStart reports whether pdu opens an exchange
func IsPairingStart(pdu []byte) bool {
	return len(pdu) > 0 && pdu[0] == OpPairingPublicKey
}

// Initiator reports which side of the exchange this is
func (p *Pairing) Initiator() bool { return p.initiator }

// Done reports whether the exchange completed successfully
func (p *Pairing) Done() bool { return p.state == stateDone }

// Key returns the link key once Done
func (p *Pairing) Key() []byte {
	if p.state != stateDone {
		return nil
	}
	return p.key
}

func (p *Pairing) fail(reason uint8) ([]byte, error) {
	p.state = stateFailed
	return []byte{OpPairingFailed, reason}, &FailedError{Reason: reason}
}

// Handle consumes one inbound SMP PDU. reply, when non-nil, must be sent
// back. A non-nil error ends the exchange.
func (p *Pairing) Handle(pdu []byte) (reply []byte, err error) {
	if len(pdu) == 0 {
		return p.fail(ReasonInvalidParams)
	}
	if pdu[0] == OpPairingFailed {
		p.state = stateFailed
		reason := uint8(ReasonUnspecified)
		if len(pdu) > 1 {
			reason = pdu[1]
		}
		return nil, &FailedError{Reason: reason, Remote: true}
	}

	switch p.state {
	case stateAwaitKey:
		if pdu[0] != OpPairingPublicKey || len(pdu) != 1+PublicKeyLen {
			return p.fail(ReasonInvalidParams)
		}
		peerPub := pdu[1:]
		own := p.keys.PublicBytes()
		initiatorPub, responderPub := own, peerPub
		if !p.initiator {
			initiatorPub, responderPub = peerPub, own
		}
		key, err := p.keys.DeriveLinkKey(peerPub, initiatorPub, responderPub)
		if err != nil {
			return p.fail(ReasonInvalidParams)
		}
		p.key = key
		p.state = stateAwaitCheck

		if p.initiator {
			return append([]byte{OpPairingDHKeyCheck}, CheckValue(key, true)...), nil
		}
		return append([]byte{OpPairingPublicKey}, own...), nil

	case stateAwaitCheck:
		if pdu[0] != OpPairingDHKeyCheck || len(pdu) != 1+CheckLen {
			return p.fail(ReasonInvalidParams)
		}
		// Each side checks the other side's value
		if !VerifyCheck(p.key, !p.initiator, pdu[1:]) {
			return p.fail(ReasonDHKeyCheck)
		}
		p.state = stateDone
		if p.initiator {
			return nil, nil
		}
		return append([]byte{OpPairingDHKeyCheck}, CheckValue(p.key, false)...), nil
	}

	return p.fail(ReasonUnspecified)
}
