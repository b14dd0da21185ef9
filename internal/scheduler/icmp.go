package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/KaiEkkrin/pinglingle/config"
	perrors "github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

// ICMPProber sends ICMP echo requests.
//
// Unprivileged mode uses datagram ICMP sockets ("udp4"/"udp6"), which
// Linux allows when net.ipv4.ping_group_range covers the process group.
// Privileged mode uses raw sockets and needs CAP_NET_RAW.
type ICMPProber struct {
	Timeout    time.Duration
	Privileged bool

	id  int
	seq atomic.Uint32
}

// NewICMPProber creates an ICMP prober. A zero timeout uses
// config.DefaultProbeTimeout.
func NewICMPProber(timeout time.Duration, privileged bool) *ICMPProber {
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}
	p := &ICMPProber{
		Timeout:    timeout,
		Privileged: privileged,
		id:         os.Getpid() & 0xffff,
	}
	p.seq.Store(rand.Uint32())
	return p
}

// Probe sends one echo request to address and waits for the reply or an
// ICMP error until the timeout.
func (p *ICMPProber) Probe(ctx context.Context, address string) (Result, error) {
	ip, err := resolveIP(ctx, address)
	if err != nil {
		return Result{}, err
	}

	v6 := ip.To4() == nil
	network, listen, proto := p.socket(v6)

	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		return Result{}, fmt.Errorf("listen %s: %w", network, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Result{}, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	var reqType icmp.Type = ipv4.ICMPTypeEcho
	if v6 {
		reqType = ipv6.ICMPTypeEchoRequest
	}
	msg := icmp.Message{
		Type: reqType,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte("pinglingle")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return Result{}, err
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if !p.Privileged {
		dst = &net.UDPAddr{IP: ip}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return Result{}, fmt.Errorf("send echo: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Result{Status: types.StatusTimedOut}, nil
			}
			if ctx.Err() != nil {
				return Result{Status: types.StatusTimedOut}, nil
			}
			return Result{}, fmt.Errorf("read reply: %w", err)
		}
		rtt := time.Since(start)

		rm, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}
		status, ok := replyStatus(rm, seq, p.Privileged, p.id)
		if !ok {
			continue
		}
		return Result{Status: status, RTT: rtt}, nil
	}
}

func (p *ICMPProber) socket(v6 bool) (network, listen string, proto int) {
	switch {
	case v6 && p.Privileged:
		return "ip6:ipv6-icmp", "::", protocolIPv6ICMP
	case v6:
		return "udp6", "::", protocolIPv6ICMP
	case p.Privileged:
		return "ip4:icmp", "0.0.0.0", protocolICMP
	default:
		return "udp4", "0.0.0.0", protocolICMP
	}
}

// replyStatus classifies an incoming message. ok is false for messages
// that are not an answer to this probe: echo replies must carry seq, and
// error messages must quote an echo request carrying seq. Datagram sockets
// rewrite the echo id, so it is only checked on raw sockets.
func replyStatus(rm *icmp.Message, seq int, checkID bool, id int) (types.Status, bool) {
	switch rm.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq || (checkID && echo.ID != id) {
			return 0, false
		}
		return types.StatusSuccess, true
	}

	echo, ok := quotedEcho(rm)
	if !ok || echo.Seq != seq || (checkID && echo.ID != id) {
		return 0, false
	}

	switch rm.Type {
	case ipv4.ICMPTypeDestinationUnreachable:
		switch rm.Code {
		case 0:
			return types.StatusNetworkUnreachable, true
		case 1:
			return types.StatusHostUnreachable, true
		case 2:
			return types.StatusProtocolUnreachable, true
		case 3:
			return types.StatusPortUnreachable, true
		default:
			return types.StatusDestinationUnreachable, true
		}

	case ipv6.ICMPTypeDestinationUnreachable:
		switch rm.Code {
		case 0:
			return types.StatusNetworkUnreachable, true
		case 3:
			return types.StatusHostUnreachable, true
		case 4:
			return types.StatusPortUnreachable, true
		default:
			return types.StatusDestinationUnreachable, true
		}

	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		return types.StatusTTLExpired, true

	case ipv4.ICMPTypeParameterProblem, ipv6.ICMPTypeParameterProblem:
		return types.StatusBadDestination, true
	}
	return 0, false
}

// quotedEcho returns the echo request quoted in an ICMP error message.
// The quote starts with the original IP header; IPv6 extension headers are
// not followed.
func quotedEcho(rm *icmp.Message) (*icmp.Echo, bool) {
	var data []byte
	switch b := rm.Body.(type) {
	case *icmp.DstUnreach:
		data = b.Data
	case *icmp.TimeExceeded:
		data = b.Data
	case *icmp.ParamProb:
		data = b.Data
	default:
		return nil, false
	}

	var proto, hdrLen int
	switch rm.Type.(type) {
	case ipv4.ICMPType:
		if len(data) < ipv4.HeaderLen || data[0]>>4 != 4 {
			return nil, false
		}
		proto, hdrLen = protocolICMP, int(data[0]&0x0f)<<2
	case ipv6.ICMPType:
		if len(data) < ipv6.HeaderLen || data[0]>>4 != 6 {
			return nil, false
		}
		proto, hdrLen = protocolIPv6ICMP, ipv6.HeaderLen
	default:
		return nil, false
	}
	if hdrLen < ipv4.HeaderLen || len(data) < hdrLen+8 {
		return nil, false
	}

	inner, err := icmp.ParseMessage(proto, data[hdrLen:])
	if err != nil {
		return nil, false
	}
	if inner.Type != ipv4.ICMPTypeEcho && inner.Type != ipv6.ICMPTypeEchoRequest {
		return nil, false
	}
	echo, ok := inner.Body.(*icmp.Echo)
	return echo, ok
}

// resolveIP returns address itself if it is an IP literal, otherwise its
// first resolved IPv4 or IPv6 address.
func resolveIP(ctx context.Context, address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %v: %w", address, err, perrors.ErrResolveFailed)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil || a.IP.To16() != nil {
			return a.IP, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: no usable address: %w", address, perrors.ErrResolveFailed)
}
