// Command lccnode is a runnable example wiring every layer of the stack
// together: CAN bus -> canrx -> engine.Dispatcher -> protocol handlers,
// with outgoing replies drained back through cantx -> canmain -> the bus.
// It mirrors the teacher's cmd/ example binaries (one process, one config
// file, one bus channel), generalized from a single CANopen master to a
// registry of OpenLCB nodes sharing one CAN interface.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/alias"
	"github.com/openlcb-go/lcc-core/pkg/broadcasttime"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	_ "github.com/openlcb-go/lcc-core/pkg/candriver/can/socketcan"
	_ "github.com/openlcb-go/lcc-core/pkg/candriver/can/virtual"
	"github.com/openlcb-go/lcc-core/pkg/canlogin"
	"github.com/openlcb-go/lcc-core/pkg/canmain"
	"github.com/openlcb-go/lcc-core/pkg/canrx"
	"github.com/openlcb-go/lcc-core/pkg/cantx"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/datagram"
	"github.com/openlcb-go/lcc-core/pkg/engine"
	"github.com/openlcb-go/lcc-core/pkg/eventtransport"
	"github.com/openlcb-go/lcc-core/pkg/memconfig"
	"github.com/openlcb-go/lcc-core/pkg/messagenet"
	"github.com/openlcb-go/lcc-core/pkg/node"
	"github.com/openlcb-go/lcc-core/pkg/nodeconfig"
	"github.com/openlcb-go/lcc-core/pkg/snip"
	"github.com/openlcb-go/lcc-core/pkg/stream"
	"github.com/openlcb-go/lcc-core/pkg/traction"
)

func main() {
	configPath := flag.String("config", "lccnode.ini", "path to the node configuration file")
	canInterface := flag.String("interface", "virtual", "CAN interface driver (socketcan, virtual)")
	channel := flag.String("channel", "vcan0", "CAN channel/device name")
	bitrate := flag.Int("bitrate", 125000, "CAN bus bitrate")
	debug := flag.Bool("debug", false, "enable debug-level startup logging")
	flag.Parse()

	// Top-level CLI logging uses logrus, matching the teacher's cmd/
	// binaries (cmd/canopen/main.go's log.SetLevel(log.DebugLevel));
	// every package below this point takes its own scoped *slog.Logger.
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("starting lccnode")

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("service", "[LccNode]")

	configs, err := nodeconfig.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading node configuration")
	}
	if len(configs) == 0 {
		log.WithField("path", *configPath).Fatal("no [node.*] sections found")
	}

	bus, err := can.NewBus(*canInterface, *channel, *bitrate)
	if err != nil {
		log.WithError(err).Fatal("opening CAN bus")
	}
	if err := bus.Connect(); err != nil {
		log.WithError(err).Fatal("connecting CAN bus")
	}
	defer bus.Disconnect()

	registry := node.New(len(configs), nil, nil)
	for _, c := range configs {
		params := c.Parameters
		if _, err := registry.Allocate(c.ID, &params); err != nil {
			log.WithError(err).WithField("name", c.Name).Fatal("allocating node")
		}
	}

	aliases := alias.New(len(configs) * 4)
	store := buffer.NewOpenLcbBufferStore(buffer.PoolDepths{Basic: 32, Datagram: 8, SNIP: 4, Stream: 2, StreamPayloadCap: 512})
	incoming := buffer.NewFifo[buffer.OpenLcbMessage](32)
	outgoing := buffer.NewFifo[buffer.OpenLcbMessage](32)

	login := canlogin.New(registry, aliases, bus, logger)
	rx := canrx.New(registry, store, aliases, incoming, login, logger)
	tx := cantx.New(bus, store, logger)
	canMain := canmain.New(registry, aliases, store, login, tx, logger)

	if err := bus.Subscribe(rxListener{rx}); err != nil {
		log.WithError(err).Fatal("subscribing to CAN bus")
	}

	dispatcher := engine.New(registry, store, incoming, outgoing, logger)
	messagenet.Register(dispatcher, logger)
	eventtransport.Register(dispatcher, loggingApplication{logger}, logger)
	snip.Register(dispatcher, logger)

	dg := datagram.New(logger)
	dg.Register(dispatcher)
	memconfig.New(nil, nil, logger).Register(dg)

	stream.New(loggingApplication{logger}, logger).Register(dispatcher)
	traction.New(noopController{}, logger).Register(dispatcher)

	clocks := broadcasttime.New(8, broadcasttime.Callbacks{
		OnTimeChanged: func(clockID lcc.EventID) {},
	}, logger)
	clocks.SetupProducer(lcc.ClockDefaultRealTime)

	runLoop(registry, canMain, dispatcher, tx, outgoing, clocks)
}

// rxListener adapts canrx.Statemachine to can.FrameListener.
type rxListener struct{ rx *canrx.Statemachine }

func (l rxListener) Handle(frame can.Frame) { l.rx.IncomingCanDriverCallback(frame) }

// loggingApplication is a minimal eventtransport.Application/stream.Application
// that just logs what it receives; a real deployment supplies its own.
type loggingApplication struct{ log *slog.Logger }

func (a loggingApplication) OnEventReport(n *node.Node, event lcc.EventID, hasPayload bool, payload []byte) {
	a.log.Info("event report", "event", event)
}

func (a loggingApplication) OnEventLearn(n *node.Node, event lcc.EventID) {
	a.log.Info("event learn", "event", event)
}

func (a loggingApplication) OnStreamComplete(n *node.Node, streamID uint8, data []byte) {
	a.log.Info("stream complete", "stream_id", streamID, "bytes", len(data))
}

// noopController is a Traction Controller that acknowledges everything but
// drives no real motive power; a real locomotive decoder supplies its own.
type noopController struct{}

func (noopController) SetSpeed(n *node.Node, speedMph float32, forward bool) {}
func (noopController) SetFunction(n *node.Node, address uint32, value uint16) {}
func (noopController) EStop(n *node.Node) {}
func (noopController) QuerySpeed(n *node.Node) (float32, bool) { return 0, true }
func (noopController) QueryFunction(n *node.Node, address uint32) uint16 { return 0 }
func (noopController) TrainInfo(n *node.Node) []byte { return []byte{0, 0} }

// runLoop is the cooperative single-threaded scheduler (spec.md §5): each
// pass runs canMain and the dispatcher until each reports no more work,
// starts at most one new tx job, then ticks the 100ms timers on a
// wall-clock cadence. canMain owns the CAN
// fragmentation job (tx) internally; this loop's only job is to hand it new
// work off the engine's outgoing FIFO once it goes idle.
func runLoop(registry *node.Registry, canMain *canmain.StateMachine, dispatcher *engine.Dispatcher,
	tx *cantx.Handler, outgoing *buffer.Fifo[buffer.OpenLcbMessage], clocks *broadcasttime.Engine) {

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		for canMain.Run() {
		}
		for dispatcher.Run() {
		}
		if !tx.Busy() {
			if msg, ok := outgoing.Pop(); ok {
				tx.Begin(msg)
			}
		}

		select {
		case <-ticker.C:
			registry.Tick100ms()
			clocks.Tick100ms()
		default:
		}
	}
}
