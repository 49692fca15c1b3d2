package main

import (
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/pkg/errors"
)

// rawNIC moves Ethernet frames through an AF_PACKET ring bound to one interface.
// The interface must be in promiscuous mode when the stack uses its own hardware address.
type rawNIC struct {
	tp *afpacket.TPacket
	hw [6]byte
}

func openNIC(iface string, hw [6]byte) (*rawNIC, error) {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptPollTimeout(time.Millisecond),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", iface)
	}
	return &rawNIC{tp: tp, hw: hw}, nil
}

func (nic *rawNIC) RecvFrame(buf []byte) (int, error) {
	for {
		data, _, err := nic.tp.ZeroCopyReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			return 0, nil
		} else if err != nil {
			return 0, err
		}
		if len(data) >= 12 && [6]byte(data[6:12]) == nic.hw {
			continue // Our own transmission looped back by the ring.
		}
		return copy(buf, data), nil
	}
}

func (nic *rawNIC) SendFrame(frame []byte) error {
	return nic.tp.WritePacketData(frame)
}

func (nic *rawNIC) Close() { nic.tp.Close() }
