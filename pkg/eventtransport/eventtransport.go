// Package eventtransport implements the Event Transport protocol handlers
// (spec.md §4.11): Consumer/Producer Identify and their range forms, the
// four Identified status variants, full-enumeration Events Identify, Event
// Learn, and PC Event Report (with and without payload). Event matching
// considers both a node's literal event table and its registered ranges
// (node.EventRange.Contains), the mask-covered-subset rule spec.md §4.11
// calls for.
package eventtransport

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/engine"
	"github.com/openlcb-go/lcc-core/pkg/lcputil"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// Application is the narrow callback surface the host wires in to learn
// about events consumed on the bus (spec.md §6 "openlcb_application"
// on_consumed_event_identified / on_consumed_event_pcer / on_event_learn).
type Application interface {
	OnEventReport(n *node.Node, event lcc.EventID, hasPayload bool, payload []byte)
	OnEventLearn(n *node.Node, event lcc.EventID)
}

// Register installs every Event Transport handler into d. app may be nil,
// in which case PC Event Report is still matched against the node's
// consumer table but no application callback fires; Event Learn does no
// table lookup and only reaches app.
func Register(d *engine.Dispatcher, app Application, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", "[EventTransport]")

	d.RegisterHandler(lcc.MTIConsumerIdentify, identify(consumerIdentifiedMTI, func(n *node.Node, e lcc.EventID) (lcc.EventStatus, bool) {
		entry, ok := n.FindConsumer(e)
		return entry.Status, ok
	}))
	d.RegisterHandler(lcc.MTIProducerIdentify, identify(producerIdentifiedMTI, func(n *node.Node, e lcc.EventID) (lcc.EventStatus, bool) {
		entry, ok := n.FindProducer(e)
		return entry.Status, ok
	}))

	d.RegisterHandler(lcc.MTIEventsIdentifyGlobal, eventsIdentifyAll)
	d.RegisterHandler(lcc.MTIEventsIdentifyDest, eventsIdentifyAll)

	d.RegisterHandler(lcc.MTIEventLearn, func(ctx *engine.Context) {
		if len(ctx.Payload) < 8 {
			return
		}
		event := lcputil.BytesToEventID(ctx.Payload[:8])
		if app != nil {
			app.OnEventLearn(ctx.Node, event)
		}
	})

	d.RegisterHandler(lcc.MTIPCEventReport, pcEventReport(app, false))
	d.RegisterHandler(lcc.MTIPCEventReportWithPayloadFirst, pcEventReport(app, true))
	d.RegisterHandler(lcc.MTIPCEventReportWithPayloadMiddle, pcEventReport(app, true))
	d.RegisterHandler(lcc.MTIPCEventReportWithPayloadLast, pcEventReport(app, true))

	// Range-identified and the four *_IDENTIFIED_{SET,CLEAR,UNKNOWN,RESERVED}
	// messages are notifications about OTHER nodes' tables; this core has
	// no peer event-state cache to update, so they are received and
	// dropped rather than left unregistered (which would wrongly trigger
	// an Optional Interaction Rejected for what is actually a reply-type
	// message).
	passive := func(ctx *engine.Context) {}
	for _, mti := range []uint16{
		lcc.MTIConsumerRangeIdentified, lcc.MTIProducerRangeIdentified,
		lcc.MTIConsumerIdentifiedUnknown, lcc.MTIConsumerIdentifiedSet,
		lcc.MTIConsumerIdentifiedClear, lcc.MTIConsumerIdentifiedReserved,
		lcc.MTIProducerIdentifiedUnknown, lcc.MTIProducerIdentifiedSet,
		lcc.MTIProducerIdentifiedClear, lcc.MTIProducerIdentifiedReserved,
	} {
		d.RegisterHandler(mti, passive)
	}
}

func consumerIdentifiedMTI(s lcc.EventStatus) uint16 {
	switch s {
	case lcc.EventSet:
		return lcc.MTIConsumerIdentifiedSet
	case lcc.EventClear:
		return lcc.MTIConsumerIdentifiedClear
	case lcc.EventReserved:
		return lcc.MTIConsumerIdentifiedReserved
	default:
		return lcc.MTIConsumerIdentifiedUnknown
	}
}

func producerIdentifiedMTI(s lcc.EventStatus) uint16 {
	switch s {
	case lcc.EventSet:
		return lcc.MTIProducerIdentifiedSet
	case lcc.EventClear:
		return lcc.MTIProducerIdentifiedClear
	case lcc.EventReserved:
		return lcc.MTIProducerIdentifiedReserved
	default:
		return lcc.MTIProducerIdentifiedUnknown
	}
}

// identify builds a Consumer/Producer Identify handler: no match, no reply
// (spec.md §8 "Event-Identified filtering").
func identify(statusToMTI func(lcc.EventStatus) uint16, lookup func(*node.Node, lcc.EventID) (lcc.EventStatus, bool)) engine.HandlerFunc {
	return func(ctx *engine.Context) {
		if len(ctx.Payload) < 8 {
			return
		}
		event := lcputil.BytesToEventID(ctx.Payload[:8])
		status, ok := lookup(ctx.Node, event)
		if !ok {
			return
		}
		b := lcputil.EventIDToBytes(event)
		ctx.Global(statusToMTI(status), buffer.SizeBasic, b[:])
	}
}

// eventsIdentifyAll answers a full-enumeration request by broadcasting
// Identified for every entry in both tables (spec.md §4.11 "Events
// Identify (global and dest-addressed)").
func eventsIdentifyAll(ctx *engine.Context) {
	for _, e := range ctx.Node.Consumers {
		b := lcputil.EventIDToBytes(e.Event)
		ctx.Global(consumerIdentifiedMTI(e.Status), buffer.SizeBasic, b[:])
	}
	for _, e := range ctx.Node.Producers {
		b := lcputil.EventIDToBytes(e.Event)
		ctx.Global(producerIdentifiedMTI(e.Status), buffer.SizeBasic, b[:])
	}
}

// pcEventReport matches an incoming event occurrence against the node's
// consumer table/ranges and invokes the application callback on a hit.
func pcEventReport(app Application, hasPayload bool) engine.HandlerFunc {
	return func(ctx *engine.Context) {
		if len(ctx.Payload) < 8 {
			return
		}
		event := lcputil.BytesToEventID(ctx.Payload[:8])
		if _, ok := ctx.Node.FindConsumer(event); !ok {
			return
		}
		if app != nil {
			var extra []byte
			if hasPayload && len(ctx.Payload) > 8 {
				extra = ctx.Payload[8:]
			}
			app.OnEventReport(ctx.Node, event, hasPayload, extra)
		}
	}
}
