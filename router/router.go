package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/viant/jsonrpc"
	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/internal/collection"
	"github.com/viant/mcpbridge/metrics"
	"github.com/viant/mcpbridge/schema"
)

// errSlowConsumer closes a session whose stream cannot keep up.
var errSlowConsumer = errors.New("session stream is not draining")

// Upstream accepts envelopes for the single upstream process.
type Upstream interface {
	Send(msg *envelope.Envelope) error
}

// Handshake provides the result of the bridge-owned upstream handshake.
type Handshake interface {
	InitializeResult() json.RawMessage
}

// Stats is a point-in-time view of the router.
type Stats struct {
	Admitted int `json:"admitted"`
	Active   int `json:"active"`
	Closing  int `json:"closing"`
	Pending  int `json:"pending"`
}

// Sessions returns the number of sessions not yet closed.
func (s Stats) Sessions() int {
	return s.Admitted + s.Active + s.Closing
}

// Router multiplexes client sessions over the upstream process. Client ids are
// replaced by bridge correlation ids on the way out and restored on the way back.
type Router struct {
	config    *Config
	upstream  Upstream
	handshake Handshake
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sessions  *collection.SyncMap[string, *Session]
	admitting atomic.Bool
	seq       atomic.Uint64

	mux     sync.Mutex
	pending map[uint64]*pendingRequest

	stop     chan struct{}
	stopOnce sync.Once
	sweeper  sync.WaitGroup
}

// Admit creates a session for an identity that passed admission.
func (r *Router) Admit(identity string) (*Session, error) {
	if !r.admitting.Load() {
		r.metrics.AdmissionDenied()
		return nil, schema.ErrBridgeShuttingDown
	}
	session := newSession(uuid.NewString(), identity, r.config.OutboxSize, time.Now())
	r.sessions.Put(session.Id, session)
	r.metrics.SetSessions(r.sessions.Len())
	r.logger.Info("session admitted", "session", session.Id, "identity", identity)
	return session, nil
}

// Activate attaches a transport to the session; subscribe marks a stream that
// receives responses and broadcast notifications.
func (r *Router) Activate(sessionID string, subscribe bool) error {
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return schema.ErrSessionNotFound
	}
	if state := session.activate(subscribe); state != Active {
		return fmt.Errorf("%w: %v is %v", schema.ErrSessionClosing, sessionID, state)
	}
	return nil
}

// Lookup returns the open session owned by identity.
func (r *Router) Lookup(sessionID, identity string) (*Session, error) {
	session, ok := r.sessions.Get(sessionID)
	if !ok || session.Identity != identity || session.State() == Closed {
		return nil, schema.ErrSessionNotFound
	}
	return session, nil
}

// Request submits a client request and waits for its response. The returned
// envelope carries the client id. When ctx is done the pending entry is
// removed and ctx.Err() returned; a late response becomes an orphan.
func (r *Router) Request(ctx context.Context, sessionID string, msg *envelope.Envelope) (*envelope.Envelope, error) {
	if msg.Kind() != envelope.KindRequest {
		return nil, r.Post(sessionID, msg)
	}
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, schema.ErrSessionNotFound
	}
	if result := r.initializeResult(msg); result != nil {
		return r.answerInitialize(session, msg, result)
	}
	request, err := r.submit(session, msg, true)
	if err != nil {
		return nil, err
	}
	select {
	case rep := <-request.reply:
		return rep.msg, rep.err
	case <-ctx.Done():
	}
	if r.take(request.id) != nil {
		r.metrics.Request("cancelled")
		r.settle(session)
		return nil, ctx.Err()
	}
	// completed concurrently with cancellation
	rep := <-request.reply
	return rep.msg, rep.err
}

// Post submits a client message to a streaming session and returns without
// waiting. Responses, including failures of this request, arrive on the
// session stream; only session-level problems are returned.
func (r *Router) Post(sessionID string, msg *envelope.Envelope) error {
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return schema.ErrSessionNotFound
	}
	switch msg.Kind() {
	case envelope.KindRequest:
		if result := r.initializeResult(msg); result != nil {
			response, err := r.answerInitialize(session, msg, result)
			if err == nil {
				r.deliver(session, response)
			}
			return err
		}
		_, err := r.submit(session, msg, false)
		if err == nil || isSessionError(err) {
			return err
		}
		r.deliver(session, envelope.NewErrorResponse(msg.Id, schema.AsRPCError(err)))
		return nil
	case envelope.KindNotification:
		return r.notify(session, msg)
	case envelope.KindResponse:
		// replies to upstream-initiated requests are answered by the bridge itself
		session.touch(time.Now())
		r.logger.Debug("dropping client response", "session", session.Id, "id", string(msg.Id))
		return nil
	}
	return envelope.ErrMalformed
}

// initializeResult returns the cached upstream handshake result when msg is a
// client initialize request that the bridge answers itself.
func (r *Router) initializeResult(msg *envelope.Envelope) json.RawMessage {
	if r.handshake == nil || msg.Method != schema.MethodInitialize {
		return nil
	}
	return r.handshake.InitializeResult()
}

func (r *Router) answerInitialize(session *Session, msg *envelope.Envelope, result json.RawMessage) (*envelope.Envelope, error) {
	if state := session.State(); state != Active {
		return nil, fmt.Errorf("%w: %v is %v", schema.ErrSessionClosing, session.Id, state)
	}
	session.touch(time.Now())
	r.metrics.Request("ok")
	return &envelope.Envelope{Jsonrpc: envelope.Version, Id: msg.Id, Result: result}, nil
}

func isSessionError(err error) bool {
	return errors.Is(err, schema.ErrSessionClosing) || errors.Is(err, schema.ErrSessionNotFound)
}

// submit records a pending request, rewrites its id and hands it upstream. The
// table lock is never held while sending.
func (r *Router) submit(session *Session, msg *envelope.Envelope, wait bool) (*pendingRequest, error) {
	now := time.Now()
	request := &pendingRequest{
		id:        r.seq.Add(1),
		clientID:  msg.Id,
		method:    msg.Method,
		session:   session,
		submitted: now,
		deadline:  now.Add(r.config.RequestTimeout),
	}
	if wait {
		request.reply = make(chan *reply, 1)
	}
	r.mux.Lock()
	if state := session.State(); state != Active {
		r.mux.Unlock()
		return nil, fmt.Errorf("%w: %v is %v", schema.ErrSessionClosing, session.Id, state)
	}
	r.pending[request.id] = request
	session.pending[request.id] = request
	count := len(r.pending)
	r.mux.Unlock()
	session.touch(now)
	r.metrics.SetPending(count)

	err := r.upstream.Send(msg.WithID(envelope.NumericID(request.id)))
	if err == nil {
		return request, nil
	}
	r.take(request.id)
	r.settle(session)
	if errors.Is(err, schema.ErrOutboundSaturation) {
		r.metrics.OutboundSaturation()
	}
	r.metrics.Request("rejected")
	r.logger.Warn("request not forwarded", "session", session.Id, "method", msg.Method, "err", err)
	return nil, err
}

// notify forwards a client notification; cancellations are re-addressed to
// the correlation id and drop the pending entry.
func (r *Router) notify(session *Session, msg *envelope.Envelope) error {
	if state := session.State(); state != Active {
		return fmt.Errorf("%w: %v is %v", schema.ErrSessionClosing, session.Id, state)
	}
	session.touch(time.Now())
	if msg.Method == schema.MethodNotificationInitialized && r.handshake != nil {
		// the upstream process was initialized once by the bridge
		return nil
	}
	if msg.Method == schema.MethodNotificationCancel {
		rewritten, request := r.cancel(session, msg)
		if rewritten == nil {
			r.logger.Debug("dropping cancellation for unknown request", "session", session.Id)
			return nil
		}
		r.metrics.Request("cancelled")
		abandon(request, schema.ErrRequestCancelled)
		r.settle(session)
		msg = rewritten
	}
	if err := r.upstream.Send(msg); err != nil {
		r.logger.Warn("notification not forwarded", "session", session.Id, "method", msg.Method, "err", err)
	}
	return nil
}

func (r *Router) cancel(session *Session, msg *envelope.Envelope) (*envelope.Envelope, *pendingRequest) {
	params := map[string]json.RawMessage{}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, nil
	}
	clientID, ok := params["requestId"]
	if !ok {
		return nil, nil
	}
	r.mux.Lock()
	var request *pendingRequest
	for _, candidate := range session.pending {
		if sameID(candidate.clientID, clientID) {
			request = candidate
			break
		}
	}
	if request != nil {
		delete(r.pending, request.id)
		delete(session.pending, request.id)
	}
	r.mux.Unlock()
	if request == nil {
		return nil, nil
	}
	params["requestId"] = envelope.NumericID(request.id)
	data, err := json.Marshal(params)
	if err != nil {
		return nil, nil
	}
	ret := *msg
	ret.Params = data
	return &ret, request
}

// Dispatch routes one upstream message. It is called from the supervisor read
// loop and never blocks on a session.
func (r *Router) Dispatch(msg *envelope.Envelope) {
	switch msg.Kind() {
	case envelope.KindResponse:
		r.dispatchResponse(msg)
	case envelope.KindNotification:
		r.broadcast(msg)
	case envelope.KindRequest:
		r.answerUpstream(msg)
	}
}

// OnMessage implements supervisor.Listener.
func (r *Router) OnMessage(msg *envelope.Envelope) {
	r.Dispatch(msg)
}

// OnCrash fails every outstanding request of every session with err.
func (r *Router) OnCrash(err error) {
	r.mux.Lock()
	requests := make([]*pendingRequest, 0, len(r.pending))
	for id, request := range r.pending {
		requests = append(requests, request)
		delete(r.pending, id)
		delete(request.session.pending, id)
	}
	r.mux.Unlock()
	r.metrics.SetPending(0)
	if len(requests) > 0 {
		r.logger.Warn("failing outstanding requests", "count", len(requests), "err", err)
	}
	for _, request := range requests {
		r.metrics.Request("crashed")
		r.complete(request, nil, err)
	}
	for _, request := range requests {
		r.settle(request.session)
	}
}

func (r *Router) dispatchResponse(msg *envelope.Envelope) {
	id, ok := envelope.ParseNumericID(msg.Id)
	var request *pendingRequest
	if ok {
		request = r.take(id)
	}
	if request == nil {
		r.metrics.OrphanedResponse()
		r.logger.Debug("dropping orphaned response", "id", string(msg.Id))
		return
	}
	if msg.Error != nil {
		r.metrics.Request("error")
	} else {
		r.metrics.Request("ok")
	}
	r.complete(request, msg.WithID(request.clientID), nil)
	r.settle(request.session)
}

// broadcast delivers a notification to every session streaming at emission time.
func (r *Router) broadcast(msg *envelope.Envelope) {
	for _, session := range r.sessions.Values() {
		if session.streaming() {
			r.deliver(session, msg)
		}
	}
}

// answerUpstream replies to requests initiated by the upstream process; they
// belong to no session.
func (r *Router) answerUpstream(msg *envelope.Envelope) {
	var response *envelope.Envelope
	if msg.Method == schema.MethodPing {
		response, _ = envelope.NewResult(msg.Id, struct{}{})
	} else {
		response = envelope.NewErrorResponse(msg.Id, jsonrpc.NewMethodNotFound(fmt.Sprintf("method: %v not supported by bridge", msg.Method), nil))
	}
	if err := r.upstream.Send(response); err != nil {
		r.logger.Warn("failed to answer upstream request", "method", msg.Method, "err", err)
	}
}

// take removes a pending request from the table and its session.
func (r *Router) take(id uint64) *pendingRequest {
	r.mux.Lock()
	request, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		delete(request.session.pending, id)
	}
	count := len(r.pending)
	r.mux.Unlock()
	r.metrics.SetPending(count)
	return request
}

// complete hands the outcome to whoever waits for request. It is called at
// most once per request, after take removed it.
func (r *Router) complete(request *pendingRequest, msg *envelope.Envelope, err error) {
	if request.reply != nil {
		request.reply <- &reply{msg: msg, err: err}
		return
	}
	if err != nil {
		msg = envelope.NewErrorResponse(request.clientID, schema.AsRPCError(err))
	}
	r.deliver(request.session, msg)
}

func (r *Router) deliver(session *Session, msg *envelope.Envelope) {
	switch session.push(msg) {
	case pushFull:
		r.metrics.SlowConsumer()
		r.logger.Warn("session stream is full, closing session", "session", session.Id)
		r.terminate(session, errSlowConsumer, schema.ErrRequestCancelled)
	case pushClosed:
		r.logger.Debug("dropping message for closed session", "session", session.Id)
	}
}

// settle closes a Closing session once its last pending request is gone.
func (r *Router) settle(session *Session) {
	r.mux.Lock()
	remaining := len(session.pending)
	r.mux.Unlock()
	if remaining == 0 && session.State() == Closing {
		r.finish(session, nil)
	}
}

func (r *Router) finish(session *Session, err error) {
	if !session.finish(err) {
		return
	}
	r.sessions.Delete(session.Id)
	r.metrics.SetSessions(r.sessions.Len())
	if err != nil {
		r.logger.Info("session closed", "session", session.Id, "reason", err)
		return
	}
	r.logger.Info("session closed", "session", session.Id)
}

// Close starts a graceful close: no new requests are accepted and outstanding
// ones drain until answered or past their deadline.
func (r *Router) Close(sessionID string) error {
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return schema.ErrSessionNotFound
	}
	if session.beginClose() {
		r.logger.Info("session closing", "session", session.Id)
	}
	r.settle(session)
	return nil
}

// Disconnect closes a session whose transport went away: its outstanding
// requests are removed and failed immediately.
func (r *Router) Disconnect(sessionID string) {
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return
	}
	session.beginClose()
	r.terminate(session, nil, schema.ErrRequestCancelled)
}

// ForceClose closes a session without passing through a drain. Its
// outstanding requests fail with reason, or RequestCancelled when nil.
func (r *Router) ForceClose(sessionID string, reason error) {
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return
	}
	failure := reason
	if failure == nil {
		failure = schema.ErrRequestCancelled
	}
	r.terminate(session, reason, failure)
}

// terminate removes every pending request of session, fails them with
// failure and marks the session Closed.
func (r *Router) terminate(session *Session, reason, failure error) {
	r.mux.Lock()
	requests := make([]*pendingRequest, 0, len(session.pending))
	for id, request := range session.pending {
		requests = append(requests, request)
		delete(r.pending, id)
		delete(session.pending, id)
	}
	count := len(r.pending)
	r.mux.Unlock()
	r.metrics.SetPending(count)
	r.finish(session, reason)
	for _, request := range requests {
		r.metrics.Request("cancelled")
		abandon(request, failure)
	}
}

// abandon releases a waiting request/response exchange; streamed requests
// get nothing since their client no longer expects an answer.
func abandon(request *pendingRequest, err error) {
	if request.reply != nil {
		request.reply <- &reply{err: err}
	}
}

// StopAdmitting makes Admit fail with schema.ErrBridgeShuttingDown.
func (r *Router) StopAdmitting() {
	r.admitting.Store(false)
}

// Admitting reports whether new sessions are accepted.
func (r *Router) Admitting() bool {
	return r.admitting.Load()
}

// Shutdown stops admission, closes every session gracefully and waits for
// them to drain; sessions still open when ctx is done are force-closed.
func (r *Router) Shutdown(ctx context.Context) error {
	r.StopAdmitting()
	for _, session := range r.sessions.Values() {
		_ = r.Close(session.Id)
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var err error
	for r.sessions.Len() > 0 && err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
	for _, session := range r.sessions.Values() {
		r.ForceClose(session.Id, schema.ErrBridgeShuttingDown)
	}
	r.stopOnce.Do(func() { close(r.stop) })
	r.sweeper.Wait()
	return err
}

// Stats returns session and pending counts.
func (r *Router) Stats() Stats {
	ret := Stats{}
	for _, session := range r.sessions.Values() {
		switch session.State() {
		case Admitted:
			ret.Admitted++
		case Active:
			ret.Active++
		case Closing:
			ret.Closing++
		}
	}
	r.mux.Lock()
	ret.Pending = len(r.pending)
	r.mux.Unlock()
	return ret
}

func (r *Router) runSweeper() {
	defer r.sweeper.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// sweep fails expired requests, completes drained Closing sessions and
// closes idle ones.
func (r *Router) sweep(now time.Time) {
	r.mux.Lock()
	var expired []*pendingRequest
	for id, request := range r.pending {
		if now.After(request.deadline) {
			expired = append(expired, request)
			delete(r.pending, id)
			delete(request.session.pending, id)
		}
	}
	count := len(r.pending)
	r.mux.Unlock()
	r.metrics.SetPending(count)
	for _, request := range expired {
		r.metrics.RequestTimeout()
		r.metrics.Request("timeout")
		r.logger.Warn("request timed out", "session", request.session.Id, "method", request.method,
			"elapsed", now.Sub(request.submitted).Round(time.Millisecond))
		r.complete(request, nil, schema.ErrRequestTimeout)
	}
	r.sessions.Range(func(id string, session *Session) bool {
		r.settle(session)
		if r.idle(session, now) {
			r.logger.Info("closing idle session", "session", id)
			r.finish(session, nil)
		}
		return true
	})
}

func (r *Router) idle(session *Session, now time.Time) bool {
	if r.config.IdleTimeout <= 0 || now.Sub(session.LastActivity()) < r.config.IdleTimeout {
		return false
	}
	switch session.State() {
	case Admitted:
	case Active:
		if session.Subscribed() {
			return false
		}
	default:
		return false
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(session.pending) == 0
}

// New creates a router forwarding to upstream and starts its sweeper.
func New(upstream Upstream, config *Config, options ...Option) *Router {
	if config == nil {
		config = &Config{}
	}
	config.Init()
	ret := &Router{
		config:   config,
		upstream: upstream,
		logger:   slog.Default(),
		sessions: collection.NewSyncMap[string, *Session](),
		pending:  make(map[uint64]*pendingRequest),
		stop:     make(chan struct{}),
	}
	for _, option := range options {
		option(ret)
	}
	ret.admitting.Store(true)
	ret.sweeper.Add(1)
	go ret.runSweeper()
	return ret
}
