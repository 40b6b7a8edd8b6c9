package simu

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	network "github.com/thinkermao/network-simu-go"
	"github.com/thinkermao/quorum"
	"github.com/thinkermao/quorum/config"
	quorumpd "github.com/thinkermao/quorum/proto"
	"github.com/thinkermao/quorum/utils/pd"
)

// ElectionTimeout is the node election interval, in milliseconds.
const ElectionTimeout = 200
const proposeTimeout = 1000

// App hosts one quorum node on a simulated network endpoint. It
// bridges the endpoint to the node's bus interface, keeps a copy of
// every applied entry for cross-checking, and survives crash and
// restart cycles through its wal directory.
type App struct {
	id      uint64
	handler network.Handler
	walDir  string

	mu   sync.Mutex
	node *quorum.Node

	logMu    sync.Mutex
	applyErr error
	logs     map[int]int
}

// MakeApp return an App bound to handler, initially shut down.
func MakeApp(walDir string, handler network.Handler) *App {
	app := &App{
		id:      uint64(handler.ID()),
		handler: handler,
		walDir:  walDir,
		logs:    make(map[int]int),
	}
	handler.BindReceiver(app.handleMessage)
	return app
}

// ID return the endpoint identifier.
func (app *App) ID() int {
	return app.handler.ID()
}

func (app *App) getNode() *quorum.Node {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.node
}

func (app *App) handleMessage(from int, data []byte) {
	node := app.getNode()
	if node == nil {
		return
	}

	var msg quorumpd.Message
	pd.MustUnmarshal(&msg, data)
	if err := node.Step(&msg); err != nil {
		log.Debugf("app %d step %s from %d: %v",
			app.id, msg.MsgType, from, err)
	}
}

// Send implements the node's bus over the simulated network.
func (app *App) Send(to uint64, msg *quorumpd.Message) error {
	return app.handler.Call(int(to), pd.MustMarshal(msg))
}

// Start boot the node, restoring whatever the wal directory holds.
func (app *App) Start(nodes []uint64) error {
	cfg := config.Default()
	cfg.Node.ID = app.id
	cfg.Node.ProposeTimeout = proposeTimeout * time.Millisecond
	cfg.Node.ElectionTimeout = ElectionTimeout * time.Millisecond
	cfg.Cluster.Flavor = "election"
	cfg.Cluster.Coordinator = nodes[0]
	cfg.Cluster.Nodes = nodes
	cfg.Storage.WALDir = app.walDir

	node, err := quorum.MakeNode(&cfg, app, app)
	if err != nil {
		return err
	}

	app.mu.Lock()
	app.node = node
	app.mu.Unlock()
	return nil
}

// Shutdown stop the node, keeping its persistent state.
func (app *App) Shutdown() {
	app.mu.Lock()
	node := app.node
	app.node = nil
	app.mu.Unlock()

	if node != nil {
		node.Kill()
	}
}

// IsCrash report whether the node is currently down.
func (app *App) IsCrash() bool {
	return app.getNode() == nil
}

// ApplyEntry record a committed value, checking it never changes.
func (app *App) ApplyEntry(entry *quorumpd.Entry) {
	value := int(binary.LittleEndian.Uint64(entry.Data))
	seq := int(entry.Sequence)

	app.logMu.Lock()
	defer app.logMu.Unlock()
	if old, ok := app.logs[seq]; ok && old != value {
		app.applyErr = fmt.Errorf("app %d: seq %d applied %d then %d",
			app.id, seq, old, value)
	}
	app.logs[seq] = value
}

// Propose submit num for replication; returns the slot it took and
// whether it committed.
func (app *App) Propose(num int) (uint64, bool) {
	node := app.getNode()
	if node == nil {
		return 0, false
	}

	data := [8]byte{}
	binary.LittleEndian.PutUint64(data[:], uint64(num))
	result, err := node.Propose(context.Background(), data[:])
	if err != nil {
		return 0, false
	}
	return result.Sequence, true
}

// GetState return the highest proposal number the node has observed
// and whether it believes itself leader.
func (app *App) GetState() (uint64, bool) {
	node := app.getNode()
	if node == nil {
		return 0, false
	}
	state, highest := node.Status()
	return highest, state.IsProposer()
}

// LogAt return the applied value at index, if any.
func (app *App) LogAt(index int) (int, bool) {
	app.logMu.Lock()
	defer app.logMu.Unlock()
	value, ok := app.logs[index]
	return value, ok
}

// LogLength return the number of applied entries.
func (app *App) LogLength() int {
	app.logMu.Lock()
	defer app.logMu.Unlock()
	return len(app.logs)
}

// ApplyError return the first cross-application inconsistency seen.
func (app *App) ApplyError() error {
	app.logMu.Lock()
	defer app.logMu.Unlock()
	return app.applyErr
}
