package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voidwarp/config"
	"voidwarp/crypto"
	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/network"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Handshake network.HandshakeOptions
	Settings  config.TransferSettings
	// Address is the listen address; empty means all interfaces on Port.
	Address string
	// Port 0 lets the OS pick.
	Port   int
	Gate   *Gate
	Logger *logrus.Entry

	// AutoAccept, when set, saves offers from paired peers there without
	// waiting for Accept.
	AutoAccept string
	IsPaired   func(deviceID string) bool
}

// PendingOffer is the summary a caller decides on.
type PendingOffer struct {
	SessionID  string             `json:"session_id"`
	SenderID   string             `json:"sender_id"`
	SenderName string             `json:"sender_name"`
	FileName   string             `json:"file_name"`
	FileSize   int64              `json:"file_size"`
	FileCount  int                `json:"file_count"`
	IsFolder   bool               `json:"is_folder"`
	SenderAddr string             `json:"sender_addr"`
	Files      []models.FileEntry `json:"-"`
}

type decision struct {
	accept bool
	dir    string
	reply  chan Result
}

// Receiver listens for offers, one session at a time.
type Receiver struct {
	opts     ReceiverOptions
	timeouts timeouts
	log      *logrus.Entry
	server   *network.Server
	machine  Machine

	mu         sync.Mutex
	started    bool
	closed     bool
	generation uint64
	session    *Session
	pending    *PendingOffer
	decisions  chan decision
	stopActive context.CancelFunc
	conns      map[*network.Conn]struct{}
	last       Result
	rearm      *time.Timer

	wg sync.WaitGroup
}

// NewReceiver binds the listening port. Offers are refused until Start.
func NewReceiver(opts ReceiverOptions) (*Receiver, error) {
	if opts.Gate == nil {
		opts.Gate = &Gate{}
	}
	t := timeoutsFrom(opts.Settings)
	opts.Handshake = handshakeFor(opts.Handshake, opts.Settings, t)
	address := opts.Address
	if address == "" {
		address = fmt.Sprintf(":%d", opts.Port)
	}

	server, err := network.Listen(address, opts.Handshake)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		opts:     opts,
		timeouts: t,
		log:      logging.OrDefault(opts.Logger, "receiver"),
		server:   server,
		conns:    make(map[*network.Conn]struct{}),
	}
	r.wg.Add(1)
	go r.serve()
	return r, nil
}

// Port returns the bound TCP port.
func (r *Receiver) Port() int {
	return r.server.Port()
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	return r.machine.State()
}

// Start moves the receiver to Listening.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return network.ErrChannelClosed
	}
	if r.started {
		return nil
	}
	r.started = true
	r.generation++
	r.machine.Reset()
	if err := r.machine.Transition(StateListening); err != nil {
		return err
	}
	r.log.WithField("port", r.Port()).Info("Receiver listening")
	return nil
}

// Stop abandons any session and returns to Idle. The port stays bound.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Receiver) stopLocked() {
	if !r.started {
		return
	}
	r.started = false
	r.generation++
	if r.stopActive != nil {
		r.stopActive()
		r.stopActive = nil
	}
	if r.rearm != nil {
		r.rearm.Stop()
		r.rearm = nil
	}
	r.pending = nil
	r.decisions = nil
	r.machine.Reset()
	r.log.Info("Receiver stopped")
}

// Close stops the receiver and releases the port.
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.stopLocked()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for conn := range r.conns {
		_ = conn.Close()
	}
	r.mu.Unlock()

	err := r.server.Close()
	r.wg.Wait()
	return err
}

// Pending returns the offer awaiting a decision, or nil.
func (r *Receiver) Pending() *PendingOffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	out := *r.pending
	return &out
}

// BytesReceived counts bytes durably present at the destination, resumed and skipped included.
func (r *Receiver) BytesReceived() int64 {
	return r.Progress().BytesTransferred
}

// Progress returns the counters of the current or last session.
func (r *Receiver) Progress() Progress {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	return session.Progress()
}

// LastResult keeps the result of the last finished session across rearm.
func (r *Receiver) LastResult() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Accept saves the pending offer under dir and blocks until the session ends.
func (r *Receiver) Accept(dir string) Result {
	reply := make(chan Result, 1)
	if err := r.decide(decision{accept: true, dir: dir, reply: reply}); err != nil {
		return Classify(err)
	}
	return <-reply
}

// Reject declines the pending offer.
func (r *Receiver) Reject() error {
	return r.decide(decision{accept: false})
}

func (r *Receiver) decide(d decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.decisions
	if ch == nil || r.machine.State() != StateAwaitingAccept {
		return ErrNoPendingOffer
	}
	r.decisions = nil
	ch <- d
	return nil
}

func (r *Receiver) serve() {
	defer r.wg.Done()
	for conn := range r.server.Incoming() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close()
			continue
		}
		r.conns[conn] = struct{}{}
		r.wg.Add(1)
		r.mu.Unlock()

		conn := conn
		go func() {
			defer r.wg.Done()
			defer r.forget(conn)
			r.handle(conn)
		}()
	}
}

func (r *Receiver) forget(conn *network.Conn) {
	_ = conn.Close()
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

// claim is what a connection holds while it owns the receiver.
type claim struct {
	generation uint64
	session    *Session
	decisions  chan decision
	ctx        context.Context
	release    func()
}

func (r *Receiver) handle(conn *network.Conn) {
	log := r.log.WithFields(logrus.Fields{"peer": conn.Peer().DeviceID, "addr": conn.RemoteAddr().String()})

	offer, err := r.readOffer(conn)
	if err != nil {
		log.WithError(err).Warn("Dropping connection without a valid offer")
		if errors.Is(err, ErrUnsafePath) || errors.Is(err, ErrProtocol) {
			_ = r.answer(conn, &network.Answer{Reason: reasonInvalidOffer})
		}
		return
	}
	log = log.WithField("session", offer.SessionID)

	c, reason := r.claim(conn, offer)
	if c == nil {
		log.WithField("reason", reason).Info("Refusing offer")
		_ = r.answer(conn, &network.Answer{SessionID: offer.SessionID, Reason: reason})
		return
	}
	defer c.release()
	stop := context.AfterFunc(c.ctx, func() { _ = conn.Close() })
	defer stop()

	log.WithFields(logrus.Fields{"files": offer.FileCount, "size": offer.TotalSize}).Info("Offer received")
	result, state := r.runSession(conn, c, offer, log)
	r.finish(c.generation, result, state)

	entry := log.WithFields(logrus.Fields{"result": result.Kind.String(), "state": state.String()})
	if result.OK() {
		entry.Info("Receive completed")
	} else {
		entry.WithField("reason", result.Reason).Warn("Receive ended")
	}
}

func (r *Receiver) readOffer(conn *network.Conn) (models.TransferOffer, error) {
	env, err := conn.ReceiveEnvelope(r.timeouts.ack)
	if err != nil {
		return models.TransferOffer{}, err
	}
	if err := checkHello(env.Hello); err != nil {
		return models.TransferOffer{}, err
	}
	env, err = conn.ReceiveEnvelope(r.timeouts.ack)
	if err != nil {
		return models.TransferOffer{}, err
	}
	if env.Offer == nil {
		return models.TransferOffer{}, fmt.Errorf("%w: expected offer", ErrProtocol)
	}
	return offerFromWire(env.Offer, conn.Peer())
}

func (r *Receiver) answer(conn *network.Conn, a *network.Answer) error {
	if err := conn.SendEnvelope(network.Envelope{RequestID: uuid.NewString(), Hello: helloFrom(r.opts.Handshake)}); err != nil {
		return err
	}
	return conn.SendEnvelope(network.Envelope{RequestID: uuid.NewString(), Answer: a})
}

// claim moves Listening to AwaitingAccept for this offer, or returns the
// reason it cannot.
func (r *Receiver) claim(conn *network.Conn, offer models.TransferOffer) (*claim, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.closed {
		return nil, reasonNotListening
	}
	if r.machine.State() != StateListening {
		return nil, reasonBusy
	}
	release, err := r.opts.Gate.Acquire(offer.SessionID)
	if err != nil {
		return nil, reasonBusy
	}
	if err := r.machine.TransitionFrom(StateListening, StateAwaitingAccept); err != nil {
		release()
		return nil, reasonBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.stopActive = cancel
	r.session = newSession(offer.SessionID, RoleReceiver, offer.TotalSize)
	r.decisions = make(chan decision, 1)
	r.pending = &PendingOffer{
		SessionID:  offer.SessionID,
		SenderID:   offer.SenderIdentity.DeviceID,
		SenderName: offer.SenderIdentity.DisplayName,
		FileName:   offer.DisplayName(),
		FileSize:   offer.TotalSize,
		FileCount:  offer.FileCount,
		IsFolder:   offer.FileCount > 1 || path.Dir(offer.Entries[0].RelativePath) != ".",
		SenderAddr: conn.RemoteAddr().String(),
		Files:      offer.Entries,
	}
	return &claim{
		generation: r.generation,
		session:    r.session,
		decisions:  r.decisions,
		ctx:        ctx,
		release: func() {
			cancel()
			release()
		},
	}, ""
}

// awaitDecision waits for Accept/Reject, the answer timeout, or Stop.
func (r *Receiver) awaitDecision(c *claim, offer models.TransferOffer) (decision, error) {
	if r.opts.AutoAccept != "" && r.opts.IsPaired != nil && r.opts.IsPaired(offer.SenderIdentity.DeviceID) {
		r.mu.Lock()
		if r.generation == c.generation {
			r.decisions = nil
		}
		r.mu.Unlock()
		return decision{accept: true, dir: r.opts.AutoAccept}, nil
	}

	timer := time.NewTimer(r.timeouts.answer)
	defer timer.Stop()

	var waitErr error
	select {
	case d := <-c.decisions:
		return d, nil
	case <-timer.C:
		waitErr = fmt.Errorf("%w: no decision within %s", ErrTimeout, r.timeouts.answer)
	case <-c.ctx.Done():
		waitErr = fmt.Errorf("%w: receiver stopped", ErrCancelled)
	}

	// Close the window, then take a decision that raced the timer.
	r.mu.Lock()
	if r.decisions == c.decisions {
		r.decisions = nil
	}
	r.mu.Unlock()
	select {
	case d := <-c.decisions:
		if c.ctx.Err() == nil {
			return d, nil
		}
		if d.reply != nil {
			d.reply <- Classify(waitErr)
		}
	default:
	}
	return decision{}, waitErr
}

func (r *Receiver) runSession(conn *network.Conn, c *claim, offer models.TransferOffer, log *logrus.Entry) (Result, State) {
	d, err := r.awaitDecision(c, offer)
	if err != nil {
		reason := reasonTimeout
		if errors.Is(err, ErrCancelled) {
			reason = reasonDeclined
		}
		_ = r.answer(conn, &network.Answer{SessionID: offer.SessionID, Reason: reason})
		return Classify(err), terminalState(Classify(err), false)
	}
	if !d.accept {
		_ = r.answer(conn, &network.Answer{SessionID: offer.SessionID, Reason: reasonDeclined})
		log.Info("Offer declined")
		return Result{Kind: KindRejected, Reason: "declined by user"}, StateCancelled
	}

	result := r.accepted(conn, c, offer, d.dir, log)
	if d.reply != nil {
		d.reply <- result
	}
	return result, terminalState(result, false)
}

func (r *Receiver) accepted(conn *network.Conn, c *claim, offer models.TransferOffer, dir string, log *logrus.Entry) Result {
	plan, err := planReceive(dir, offer, c.session, ChunkPolicyFrom(r.opts.Settings))
	if err != nil {
		_ = r.answer(conn, &network.Answer{SessionID: offer.SessionID, Reason: reasonIOError})
		return Classify(err)
	}
	if err := r.answer(conn, plan.answer); err != nil {
		return Classify(err)
	}
	if err := r.machine.TransitionFrom(StateAwaitingAccept, StateReceiving); err != nil {
		return Classify(fmt.Errorf("%w: %v", ErrCancelled, err))
	}
	log.WithFields(logrus.Fields{
		"dir":     dir,
		"skipped": len(plan.answer.SkippedFiles),
		"resumed": len(plan.answer.Resume),
	}).Info("Offer accepted")

	in := &inbound{conn: conn, session: c.session, offer: offer, plan: plan, ack: r.timeouts.ack, log: log}
	err = in.run(c.ctx)
	if err != nil && c.ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: receiver stopped: %v", ErrCancelled, err)
	}
	return Classify(err)
}

// finish records a terminal result and schedules the rearm, unless Stop
// already moved on.
func (r *Receiver) finish(generation uint64, result Result, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if generation != r.generation || !r.started {
		return
	}
	r.last = result
	r.pending = nil
	r.decisions = nil
	r.stopActive = nil
	if err := r.machine.Transition(state); err != nil {
		r.log.WithError(err).Warn("Unexpected terminal transition")
	}
	r.rearm = time.AfterFunc(r.timeouts.rearm, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if generation != r.generation || !r.started || !r.machine.State().Terminal() {
			return
		}
		_ = r.machine.Transition(StateListening)
		r.rearm = nil
	})
}

// receivePlan is the accepted answer plus where each entry lands.
type receivePlan struct {
	dests   []string
	skipped map[int]bool
	answer  *network.Answer
}

// planReceive checks the destination for complete copies and partials worth
// resuming. Each partial is described by its prefix digest and per-block
// digests so the sender can keep the longest prefix it agrees with.
func planReceive(dir string, offer models.TransferOffer, session *Session, policy ChunkPolicy) (*receivePlan, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create save directory: %w", err)
	}
	plan := &receivePlan{
		dests:   make([]string, len(offer.Entries)),
		skipped: make(map[int]bool),
		answer:  &network.Answer{SessionID: offer.SessionID, Accepted: true},
	}
	for i, entry := range offer.Entries {
		dest, err := destinationPath(dir, entry.RelativePath)
		if err != nil {
			return nil, err
		}
		plan.dests[i] = dest

		if alreadyPresent(dest, entry) {
			plan.skipped[i] = true
			plan.answer.SkippedFiles = append(plan.answer.SkippedFiles, uint32(i))
			session.markSkipped(entry.Size)
			continue
		}

		info, err := os.Stat(dest + partSuffix)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 || info.Size() > entry.Size {
			continue
		}
		blockSize := policy.ResumeBlockSize(entry.Size, info.Size())
		prefix, blocks, err := crypto.DigestPrefixBlocks(dest+partSuffix, info.Size(), blockSize)
		if err != nil {
			continue
		}
		plan.answer.Resume = append(plan.answer.Resume, network.ResumePoint{
			FileIndex:   uint32(i),
			Offset:      info.Size(),
			PrefixHash:  prefix,
			BlockSize:   blockSize,
			BlockHashes: blocks,
		})
	}
	return plan, nil
}

func alreadyPresent(dest string, entry models.FileEntry) bool {
	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() || info.Size() != entry.Size {
		return false
	}
	digest, err := crypto.DigestFile(dest)
	return err == nil && bytes.Equal(digest, entry.ContentHash)
}
