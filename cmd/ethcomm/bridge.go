package main

import (
	"bufio"
	"io"

	"github.com/soypat/ethcomm"
	"github.com/soypat/ethcomm/netloop"
)

// bridge plays the part of a serial port on the host: bytes read from in are
// queued for the peer and bytes received from the peer are written to out.
// It runs on the loop goroutine by wrapping the stack's Input pump.
type bridge struct {
	netloop.Stack
	srv *ethcomm.Server
	in  chan byte
	out *bufio.Writer
}

func newBridge(stack netloop.Stack, srv *ethcomm.Server, in io.Reader, out io.Writer) *bridge {
	b := &bridge{
		Stack: stack,
		srv:   srv,
		in:    make(chan byte, ethcomm.TxSize),
		out:   bufio.NewWriter(out),
	}
	if in != nil {
		go b.readIn(in)
	}
	return b
}

func (b *bridge) readIn(in io.Reader) {
	r := bufio.NewReader(in)
	for {
		c, err := r.ReadByte()
		if err != nil {
			return
		}
		b.in <- c
	}
}

// Input implements [netloop.Stack].
func (b *bridge) Input() (int, error) {
	moved := b.pump()
	n, err := b.Stack.Input()
	return n + moved, err
}

func (b *bridge) pump() (moved int) {
	for {
		select {
		case c := <-b.in:
			b.srv.PutByte(c)
			moved++
			continue
		default:
		}
		break
	}
	for {
		c, ok := b.srv.GetByte()
		if !ok {
			break
		}
		b.out.WriteByte(c)
		moved++
	}
	if moved > 0 {
		b.out.Flush()
	}
	return moved
}
