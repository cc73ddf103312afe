// Package bridge exposes engines, senders and receivers behind opaque uint64
// handles for foreign callers. Every call tolerates zero, unknown and
// destroyed handles by returning zero values or the io error code.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"voidwarp/engine"
	"voidwarp/logging"
	"voidwarp/network"
	"voidwarp/pairing"
	"voidwarp/transfer"
)

// Status codes for calls that do not run a transfer.
const (
	StatusOK    = 0
	StatusError = -1
)

var errUnknownHandle = errors.New("bridge: unknown handle")

type senderEntry struct {
	engine uint64
	sender *transfer.Sender
}

type receiverEntry struct {
	engine   uint64
	receiver *transfer.Receiver
}

// Bridge owns the handle tables.
type Bridge struct {
	dataDir string
	log     *logrus.Entry

	engines   table[*engine.Engine]
	senders   table[*senderEntry]
	receivers table[*receiverEntry]
}

// New returns a bridge whose engines load from dataDir; empty means the
// per-user default.
func New(dataDir string, log *logrus.Entry) *Bridge {
	return &Bridge{dataDir: dataDir, log: logging.OrDefault(log, "bridge")}
}

// Init creates an engine and returns its handle, or 0 on failure.
func (b *Bridge) Init(deviceName string) uint64 {
	e, err := engine.New(engine.Options{
		DataDir:    b.dataDir,
		DeviceName: deviceName,
		Logger:     b.log.WithField("component", "engine"),
	})
	if err != nil {
		b.log.WithError(err).Error("Engine init failed")
		return 0
	}
	return b.engines.put(e)
}

// Destroy closes an engine and every sender and receiver created from it.
func (b *Bridge) Destroy(h uint64) {
	e, ok := b.engines.take(h)
	if !ok {
		return
	}
	for _, r := range b.receivers.drain(func(r *receiverEntry) bool { return r.engine == h }) {
		_ = r.receiver.Close()
	}
	for _, s := range b.senders.drain(func(s *senderEntry) bool { return s.engine == h }) {
		s.sender.Cancel()
	}
	if err := e.Close(); err != nil {
		b.log.WithError(err).Warn("Engine close failed")
	}
}

// DeviceID returns the engine's device id, or "".
func (b *Bridge) DeviceID(h uint64) string {
	e, ok := b.engines.get(h)
	if !ok {
		return ""
	}
	return e.DeviceID()
}

// StartDiscovery advertises port; 0 means the default rendezvous port.
func (b *Bridge) StartDiscovery(h uint64, port int) int {
	return b.status(h, func(e *engine.Engine) error { return e.StartDiscovery(port) })
}

// StartDiscoveryWithIP is StartDiscovery on the adapter owning ip.
func (b *Bridge) StartDiscoveryWithIP(h uint64, port int, ip string) int {
	return b.status(h, func(e *engine.Engine) error { return e.StartDiscoveryWithIP(port, ip) })
}

// StopDiscovery stops discovery.
func (b *Bridge) StopDiscovery(h uint64) {
	if e, ok := b.engines.get(h); ok {
		e.StopDiscovery()
	}
}

// AddManualPeer records a peer by address.
func (b *Bridge) AddManualPeer(h uint64, deviceID, name, ip string, port int) int {
	return b.status(h, func(e *engine.Engine) error { return e.AddManualPeer(deviceID, name, ip, port) })
}

// GetPeers returns the known peers as a JSON array, "[]" for unknown handles.
func (b *Bridge) GetPeers(h uint64) string {
	e, ok := b.engines.get(h)
	if !ok {
		return "[]"
	}
	return marshal(e.Peers(), "[]")
}

// TestConnection reports whether ip:port accepts connections.
func (b *Bridge) TestConnection(h uint64, ip string, port int) bool {
	e, ok := b.engines.get(h)
	if !ok {
		return false
	}
	return e.TestConnection(context.Background(), ip, port)
}

// GeneratePairingCode returns a fresh "XXX-XXX" code, or "".
func (b *Bridge) GeneratePairingCode(h uint64) string {
	e, ok := b.engines.get(h)
	if !ok {
		return ""
	}
	code, err := e.GeneratePairingCode()
	if err != nil {
		b.log.WithError(err).Error("Pairing code generation failed")
		return ""
	}
	return code.String()
}

// Pair pairs with ip:port using the code shown there and returns a result code.
func (b *Bridge) Pair(h uint64, ip string, port int, code string) int {
	e, ok := b.engines.get(h)
	if !ok {
		return transfer.KindIO.Code()
	}
	_, err := e.Pair(context.Background(), net.JoinHostPort(ip, strconv.Itoa(port)), code)
	return pairingResult(err).Code()
}

// PairListen waits on address for one peer holding the last generated code.
func (b *Bridge) PairListen(h uint64, address string) int {
	e, ok := b.engines.get(h)
	if !ok {
		return transfer.KindIO.Code()
	}
	_, err := e.ListenForPairing(context.Background(), address)
	return pairingResult(err).Code()
}

// pairingResult puts pairing failures into the transfer result codes.
func pairingResult(err error) transfer.Result {
	switch {
	case err == nil:
		return transfer.Success
	case errors.Is(err, pairing.ErrMismatch), errors.Is(err, pairing.ErrInvalidCode):
		return transfer.Result{Kind: transfer.KindRejected, Reason: err.Error()}
	case errors.Is(err, pairing.ErrTimeout):
		return transfer.Result{Kind: transfer.KindTimeout, Reason: err.Error()}
	default:
		return transfer.Classify(err)
	}
}

// CreateSender hashes path and returns a sender handle, or 0.
func (b *Bridge) CreateSender(h uint64, path string) uint64 {
	e, ok := b.engines.get(h)
	if !ok {
		return 0
	}
	s, err := e.NewSender(path)
	if err != nil {
		b.log.WithError(err).WithField("path", path).Error("Create sender failed")
		return 0
	}
	return b.senders.put(&senderEntry{engine: h, sender: s})
}

// SenderStart runs the transfer to ip:port and blocks until it ends.
func (b *Bridge) SenderStart(h uint64, ip string, port int, senderName string) int {
	s, ok := b.senders.get(h)
	if !ok {
		return transfer.Classify(errUnknownHandle).Code()
	}
	return s.sender.Start(context.Background(), []string{net.JoinHostPort(ip, strconv.Itoa(port))}, senderName).Code()
}

// SenderStartPeer runs the transfer to a known peer, trying its candidates in order.
func (b *Bridge) SenderStartPeer(h uint64, deviceID, senderName string) int {
	s, ok := b.senders.get(h)
	if !ok {
		return transfer.KindIO.Code()
	}
	e, ok := b.engines.get(s.engine)
	if !ok {
		return transfer.KindIO.Code()
	}
	candidates, err := e.Candidates(deviceID)
	if err != nil {
		return transfer.Classify(network.ErrNoCandidates).Code()
	}
	return s.sender.Start(context.Background(), candidates, senderName).Code()
}

// SenderProgress returns 0 to 100.
func (b *Bridge) SenderProgress(h uint64) float32 {
	s, ok := b.senders.get(h)
	if !ok {
		return 0
	}
	return float32(s.sender.Progress().Percentage)
}

// SenderProgressJSON returns the full progress snapshot as JSON, or "{}".
func (b *Bridge) SenderProgressJSON(h uint64) string {
	s, ok := b.senders.get(h)
	if !ok {
		return "{}"
	}
	return marshal(s.sender.Progress(), "{}")
}

// SenderCancel asks a running transfer to stop.
func (b *Bridge) SenderCancel(h uint64) {
	if s, ok := b.senders.get(h); ok {
		s.sender.Cancel()
	}
}

// SenderSize is the total offered bytes.
func (b *Bridge) SenderSize(h uint64) uint64 {
	s, ok := b.senders.get(h)
	if !ok {
		return 0
	}
	return uint64(s.sender.Size())
}

// SenderName is the file or folder name.
func (b *Bridge) SenderName(h uint64) string {
	s, ok := b.senders.get(h)
	if !ok {
		return ""
	}
	return s.sender.Name()
}

// SenderChecksum is the hex digest of the offer.
func (b *Bridge) SenderChecksum(h uint64) string {
	s, ok := b.senders.get(h)
	if !ok {
		return ""
	}
	return s.sender.Checksum()
}

// SenderIsFolder reports whether the sender offers more than a single top-level file.
func (b *Bridge) SenderIsFolder(h uint64) bool {
	s, ok := b.senders.get(h)
	if !ok {
		return false
	}
	offer := s.sender.Offer()
	return len(offer.Entries) > 1 || (len(offer.Entries) == 1 && strings.Contains(offer.Entries[0].RelativePath, "/"))
}

// DestroySender cancels and forgets a sender.
func (b *Bridge) DestroySender(h uint64) {
	if s, ok := b.senders.take(h); ok {
		s.sender.Cancel()
	}
}

// CreateReceiver binds a receiver on an OS-assigned port (or the configured
// fixed port) and returns its handle, or 0.
func (b *Bridge) CreateReceiver(h uint64) uint64 {
	return b.CreateReceiverAt(h, "", -1)
}

// CreateReceiverAt binds on address:port. A negative port uses the engine config.
func (b *Bridge) CreateReceiverAt(h uint64, address string, port int) uint64 {
	e, ok := b.engines.get(h)
	if !ok {
		return 0
	}
	if port < 0 {
		port = e.Config().ReceiverPort()
	}
	if address != "" {
		address = net.JoinHostPort(address, strconv.Itoa(port))
	}
	r, err := e.NewReceiver(engine.ReceiverConfig{Address: address, Port: port})
	if err != nil {
		b.log.WithError(err).Error("Create receiver failed")
		return 0
	}
	return b.receivers.put(&receiverEntry{engine: h, receiver: r})
}

// ReceiverPort returns the bound port, or 0.
func (b *Bridge) ReceiverPort(h uint64) int {
	r, ok := b.receivers.get(h)
	if !ok {
		return 0
	}
	return r.receiver.Port()
}

// ReceiverStart begins accepting offers.
func (b *Bridge) ReceiverStart(h uint64) int {
	r, ok := b.receivers.get(h)
	if !ok {
		return StatusError
	}
	if err := r.receiver.Start(); err != nil {
		b.log.WithError(err).Error("Receiver start failed")
		return StatusError
	}
	return StatusOK
}

// ReceiverStop returns the receiver to Idle.
func (b *Bridge) ReceiverStop(h uint64) {
	if r, ok := b.receivers.get(h); ok {
		r.receiver.Stop()
	}
}

// ReceiverState returns the boundary state code; unknown handles read as Idle.
func (b *Bridge) ReceiverState(h uint64) int {
	r, ok := b.receivers.get(h)
	if !ok {
		return transfer.StateIdle.Code()
	}
	return r.receiver.State().Code()
}

// ReceiverPending returns the pending offer as JSON, or "" when there is none.
func (b *Bridge) ReceiverPending(h uint64) string {
	r, ok := b.receivers.get(h)
	if !ok {
		return ""
	}
	pending := r.receiver.Pending()
	if pending == nil {
		return ""
	}
	return marshal(pending, "")
}

// ReceiverAccept saves the pending offer under dir ("" means the engine
// default) and blocks until the transfer ends.
func (b *Bridge) ReceiverAccept(h uint64, dir string) int {
	r, ok := b.receivers.get(h)
	if !ok {
		return transfer.KindIO.Code()
	}
	if dir == "" {
		if e, ok := b.engines.get(r.engine); ok {
			dir = e.ReceivedDir()
		}
	}
	return r.receiver.Accept(dir).Code()
}

// ReceiverReject declines the pending offer.
func (b *Bridge) ReceiverReject(h uint64) int {
	r, ok := b.receivers.get(h)
	if !ok {
		return StatusError
	}
	if err := r.receiver.Reject(); err != nil {
		return StatusError
	}
	return StatusOK
}

// ReceiverBytes counts bytes present at the destination for the current or last session.
func (b *Bridge) ReceiverBytes(h uint64) uint64 {
	r, ok := b.receivers.get(h)
	if !ok {
		return 0
	}
	return uint64(r.receiver.BytesReceived())
}

// ReceiverProgress returns 0 to 100.
func (b *Bridge) ReceiverProgress(h uint64) float32 {
	r, ok := b.receivers.get(h)
	if !ok {
		return 0
	}
	return float32(r.receiver.Progress().Percentage)
}

// ReceiverLastResult returns the code of the last finished session.
func (b *Bridge) ReceiverLastResult(h uint64) int {
	r, ok := b.receivers.get(h)
	if !ok {
		return transfer.KindIO.Code()
	}
	return r.receiver.LastResult().Code()
}

// DestroyReceiver stops the receiver and releases its port.
func (b *Bridge) DestroyReceiver(h uint64) {
	if r, ok := b.receivers.take(h); ok {
		_ = r.receiver.Close()
	}
}

func (b *Bridge) status(h uint64, fn func(*engine.Engine) error) int {
	e, ok := b.engines.get(h)
	if !ok {
		return StatusError
	}
	if err := fn(e); err != nil {
		b.log.WithError(err).Warn("Bridge call failed")
		return StatusError
	}
	return StatusOK
}

func marshal(v any, fallback string) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(raw)
}

// String describes a result code for logs and callers without their own table.
func String(code int) string {
	for k := transfer.KindSuccess; k <= transfer.KindIO; k++ {
		if k.Code() == code {
			return k.String()
		}
	}
	return fmt.Sprintf("code(%d)", code)
}
