// Package iaxcore implements an IAX2 (Inter-Asterisk eXchange version 2)
// protocol engine.
//
// One Engine multiplexes every call, registration and qualify probe over a
// single UDP transport. It handles full frame sequencing and
// retransmission, mini, video and trunk meta frames, MD5/RSA/plaintext
// authentication with optional AES-128 encryption, outbound registration,
// a registrar for dynamic peers, native transfer and an adaptive jitter
// buffer per call.
//
// # Getting Started
//
//	mgr, err := config.NewManager("iaxd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tr, err := transport.NewUDPTransport(mgr.Current().Config.General.Bind, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng, err := iaxcore.New(iaxcore.Options{
//	    Config:    mgr,
//	    Transport: tr,
//	    Dialplan:  &pbx.StaticDialplan{Contexts: map[string][]string{"default": {"_X."}}},
//	    Channels:  pbx.ChannelFactoryFunc(newChannel),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//	err = eng.Run(ctx)
//
// # Calls
//
// Inbound calls are authenticated against the configured users and peers,
// routed through the Dialplan and handed to a Channel created by the
// ChannelFactory. Outbound calls start with Dial. Media flows through
// Engine.SendFrame and Channel.Deliver.
//
// # Concurrency
//
// Datagrams are processed on a worker pool keyed by peer and call number,
// so frames of one call are handled in order. Each call number has its own
// lock; Channel callbacks run with it held and must not call back into the
// Engine synchronously.
//
// # Testing
//
// With Options.Inline set, datagrams are processed on the caller's
// goroutine and timers only fire from RunDue, which together with a fake
// clock.TimeProvider makes protocol exchanges fully deterministic.
package iaxcore
