// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miekg/dns"
)

// ErrInvalidDNSMessage indicates a frame that does not contain a valid DNS message.
var ErrInvalidDNSMessage = errors.New("invalid DNS message")

// NewDNSMsgFilterFactory returns a new [*DNSMsgFilterFactory].
//
// The cfg argument contains the common configuration for pipenet operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSMsgFilterFactory(cfg *Config, logger SLogger) *DNSMsgFilterFactory {
	return &DNSMsgFilterFactory{
		Logger:  logger,
		TimeNow: cfg.TimeNow,
	}
}

// DNSMsgFilterFactory creates [*DNSMsgFilter] instances.
//
// Compose it after a two-byte [*FrameFilter] to speak the DNS-over-TCP
// framing, and after a TLS filter as well for DNS-over-TLS:
//
//	pipenet.ChainFactory3[*dns.Msg, []byte, []byte, []byte](
//		tlsFactory, pipenet.NewFrameFilterFactory(2), dnsFactory)
//
// All fields are safe to modify after construction but before first use.
type DNSMsgFilterFactory struct {
	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSMsgFilterFactory] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSMsgFilterFactory] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ FilterFactory[*dns.Msg, []byte] = &DNSMsgFilterFactory{}

// NewFilter implements [FilterFactory].
func (ff *DNSMsgFilterFactory) NewFilter(fc FilterContext) (OobFilter[*dns.Msg, []byte], error) {
	return &DNSMsgFilter{conn: fc.Conn(), factory: ff}, nil
}

// DNSMsgFilter converts frames into [*dns.Msg] and back.
//
// Every decoded or encoded message is logged as a wire observation
// (dnsMessageIn and dnsMessageOut) carrying the raw bytes.
type DNSMsgFilter struct {
	conn    Connection
	factory *DNSMsgFilterFactory
}

var _ OobFilter[*dns.Msg, []byte] = &DNSMsgFilter{}

// ApplyInbound implements [Filter].
func (f *DNSMsgFilter) ApplyInbound(in Source[[]byte], out Sink[*dns.Msg]) error {
	for {
		frame, ok := in.Poll()
		if !ok {
			return nil
		}
		msg := &dns.Msg{}
		if err := msg.Unpack(frame); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDNSMessage, err)
		}
		f.logMessage("dnsMessageIn", frame, msg)
		out.Push(msg)
	}
}

// ApplyOutbound implements [Filter].
func (f *DNSMsgFilter) ApplyOutbound(in Source[*dns.Msg], out Sink[[]byte]) error {
	for {
		msg, ok := in.Poll()
		if !ok {
			return nil
		}
		frame, err := msg.Pack()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDNSMessage, err)
		}
		f.logMessage("dnsMessageOut", frame, msg)
		out.Push(frame)
	}
}

// ApplyInboundOob implements [OobFilter].
func (f *DNSMsgFilter) ApplyInboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

// ApplyOutboundOob implements [OobFilter].
func (f *DNSMsgFilter) ApplyOutboundOob(in Source[*OobEvent], out Sink[*OobEvent]) error {
	Transfer(in, out)
	return nil
}

func (f *DNSMsgFilter) logMessage(event string, frame []byte, msg *dns.Msg) {
	f.factory.Logger.Info(
		event,
		slog.String("connName", f.conn.Name()),
		slog.Any("dnsRawMessage", frame),
		slog.Uint64("dnsID", uint64(msg.Id)),
		slog.Bool("dnsResponse", msg.Response),
		slog.Time("t", f.factory.TimeNow()),
	)
}
