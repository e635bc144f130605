package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/compression"
	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/pmode"
	"github.com/phax/phase4-sub000/pkg/reliability"
	"github.com/phax/phase4-sub000/pkg/security"
	"github.com/phax/phase4-sub000/pkg/transport"
)

// DefaultAsyncTimeout bounds a background response task.
const DefaultAsyncTimeout = 5 * time.Minute

// Config wires the collaborators of an Engine.
type Config struct {
	// Resolver is required unless HeaderProcessors replaces the built-in
	// messaging processor.
	Resolver pmode.Resolver
	// HeaderProcessors defaults to the messaging and WS-Security
	// processors, in that order.
	HeaderProcessors []HeaderProcessor
	Processors       []BusinessProcessor

	Registry          reliability.Registry
	ProfileSelector   ProfileSelector
	AttachmentFactory attachment.Factory

	Signer    security.Signer
	Verifier  security.Verifier
	Decryptor security.Decryptor

	Compressor *compression.Compressor
	HTTPClient *transport.HTTPSClient

	IncomingDumper IncomingDumper
	OutgoingDumper OutgoingDumper
	ErrorConsumer  ErrorConsumer
	// Finalize is called exactly once per request after its response was
	// handled, also for asynchronous exchanges and rejected requests. The
	// state is nil when the request could not be decoded.
	Finalize func(meta *Metadata, state *State)

	AsyncTimeout time.Duration
	Logger       *slog.Logger
}

// HTTPResult is the outcome of HandleRequest. Response is nil when the
// request is answered with an empty body.
type HTTPResult struct {
	Status   int
	Response *ResponsePayload
}

// Engine is the receiving message service handler.
type Engine struct {
	intake     *Intake
	pipeline   *Pipeline
	post       *PostProcessor
	registry   reliability.Registry
	dispatcher *Dispatcher
	responses  *ResponseBuilder
	async      *AsyncDispatcher

	outDump      OutgoingDumper
	finalize     func(meta *Metadata, state *State)
	asyncTimeout time.Duration
	logger       *slog.Logger
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	processors := cfg.HeaderProcessors
	if processors == nil {
		if cfg.Resolver == nil {
			return nil, errors.New("msh: PMode resolver is required")
		}
		processors = []HeaderProcessor{
			NewMessagingProcessor(cfg.Resolver, logger),
			NewSecurityProcessor(cfg.Verifier, cfg.Decryptor, logger),
		}
	}
	pipeline := NewPipeline(processors...)
	pipeline.Logger = logger

	factory := cfg.AttachmentFactory
	if factory == nil {
		factory = attachment.NewFactory()
	}

	timeout := cfg.AsyncTimeout
	if timeout <= 0 {
		timeout = DefaultAsyncTimeout
	}

	return &Engine{
		intake:   &Intake{Factory: factory, Dumper: cfg.IncomingDumper, Logger: logger},
		pipeline: pipeline,
		post: &PostProcessor{
			Selector:   cfg.ProfileSelector,
			Compressor: cfg.Compressor,
			Logger:     logger,
		},
		registry:   cfg.Registry,
		dispatcher: &Dispatcher{Processors: cfg.Processors, Logger: logger},
		responses: &ResponseBuilder{
			Signer:        cfg.Signer,
			ErrorConsumer: cfg.ErrorConsumer,
			Logger:        logger,
		},
		async:        NewAsyncDispatcher(cfg.HTTPClient, logger),
		outDump:      cfg.OutgoingDumper,
		finalize:     cfg.Finalize,
		asyncTimeout: timeout,
		logger:       logger,
	}, nil
}

// Wait blocks until all asynchronous response tasks have finished.
func (e *Engine) Wait() {
	e.async.Wait()
}

// HandleRequest processes one inbound HTTP request. Errors are
// *ProcessingError values for requests that cannot be answered with an
// ebMS message.
func (e *Engine) HandleRequest(ctx context.Context, r *http.Request) (*HTTPResult, error) {
	start := time.Now()
	defer func() { ProcessingDuration.Observe(time.Since(start).Seconds()) }()

	meta := NewRequestMetadata(r)
	logger := e.logger.With(slog.String("incoming_id", meta.IncomingUniqueID))

	fin := &finalizer{fn: e.finalize, meta: meta}
	handedOff := false
	defer func() {
		if !handedOff {
			fin.do()
		}
	}()

	decoded, err := e.intake.Decode(ctx, meta, r.Body, r.Header.Get("Content-Type"), r.Header)
	if err != nil {
		logger.Warn("failed to decode request", slog.String("error", err.Error()))
		return nil, err
	}

	state, errs, err := e.pipeline.Process(ctx, decoded, meta)
	fin.state = state
	if err != nil {
		decoded.Close()
		logger.Warn("header processing aborted", slog.String("error", err.Error()))
		return nil, err
	}
	state.SigningCrypto = e.responses.Signer
	logger = logger.With(slog.String("message_id", state.MessageID))
	MessagesReceived.WithLabelValues(state.Kind().String()).Inc()

	if len(errs) == 0 {
		errs = e.post.Process(ctx, meta, state)
	}

	registered := false
	if len(errs) == 0 {
		dup, err := e.checkDuplicate(ctx, state)
		if err != nil {
			decoded.Close()
			return nil, err
		}
		if dup {
			logger.Info("duplicate message rejected")
			DuplicatesRejected.Inc()
			errs = []*message.ErrorDetail{message.ErrOther.Detail(state.MessageID, "duplicate message")}
		} else {
			registered = e.registry != nil && state.PMode.DuplicateDetectionEnabled()
		}
	}

	if len(errs) == 0 && e.isAsync(state) {
		headers := r.Header.Clone()
		handedOff = true
		e.async.Go(func() { e.runAsync(meta, headers, decoded, state, fin, registered) })
		logger.Info("message accepted for asynchronous processing")
		return &HTTPResult{Status: http.StatusNoContent}, nil
	}

	defer decoded.Close()

	var dr *DispatchResult
	if len(errs) == 0 {
		dr, errs, err = e.dispatcher.Dispatch(ctx, meta, r.Header, state)
		if registered && (err != nil || !dr.Success) {
			e.release(ctx, logger, state)
		}
		if err != nil {
			return nil, err
		}
	}
	countProtocolErrors(errs)

	resp := e.responses.Decide(meta, state, errs, dr)
	ResponsesSent.WithLabelValues(resp.Kind().String()).Inc()

	payload, err := e.responses.Render(ctx, state, resp)
	if err != nil {
		logger.Error("failed to render response", slog.String("error", err.Error()))
		return nil, fatalError(err, false)
	}
	e.dumpOutgoing(logger, meta, state, payload)

	if payload == nil {
		e.dispatcher.NotifyResponse(ctx, meta, state, "", nil, false)
		return &HTTPResult{Status: http.StatusNoContent}, nil
	}
	e.dispatcher.NotifyResponse(ctx, meta, state, payload.MessageID, payload.Body, true)
	logger.Info("message processed", slog.String("response", payload.Kind.String()))
	return &HTTPResult{Status: http.StatusOK, Response: payload}, nil
}

// checkDuplicate registers the message. The PMode's detection window is
// used when the registry supports one.
func (e *Engine) checkDuplicate(ctx context.Context, state *State) (bool, error) {
	if e.registry == nil || !state.PMode.DuplicateDetectionEnabled() {
		return false, nil
	}
	var (
		outcome reliability.Outcome
		err     error
	)
	window := duplicateWindow(state.PMode)
	if wr, ok := e.registry.(reliability.WindowRegistry); ok && window > 0 {
		outcome, err = wr.RegisterAndCheckWithin(ctx, window, state.MessageID, state.ProfileID, pmodeIDOf(state))
	} else {
		outcome, err = e.registry.RegisterAndCheck(ctx, state.MessageID, state.ProfileID, pmodeIDOf(state))
	}
	if err != nil {
		return false, fatalError(fmt.Errorf("duplicate check: %w", err), true)
	}
	return outcome == reliability.OutcomeDuplicate, nil
}

func pmodeIDOf(state *State) string {
	if state.PMode == nil {
		return ""
	}
	return state.PMode.ID
}

func duplicateWindow(pm *pmode.ProcessingMode) time.Duration {
	if pm == nil || pm.ReceptionAwareness == nil || pm.ReceptionAwareness.DuplicateDetection == nil {
		return 0
	}
	return pm.ReceptionAwareness.DuplicateDetection.Window
}

// release drops the registration of a message whose processing failed so
// that the sender's retry is processed instead of rejected as duplicate.
func (e *Engine) release(ctx context.Context, logger *slog.Logger, state *State) {
	ctx = context.WithoutCancel(ctx)
	if err := e.registry.Release(ctx, state.MessageID, state.ProfileID, pmodeIDOf(state)); err != nil {
		logger.Warn("failed to release duplicate registration", slog.String("error", err.Error()))
		return
	}
	logger.Debug("duplicate registration released after failed processing")
}

func (e *Engine) isAsync(state *State) bool {
	return state.PMode.IsPushAndPush() && state.EffectiveLeg == 1 && state.UserMessage() != nil
}

func (e *Engine) runAsync(meta *Metadata, headers http.Header, decoded *Decoded, state *State, fin *finalizer, registered bool) {
	ctx, cancel := context.WithTimeout(context.Background(), e.asyncTimeout)
	defer cancel()
	defer decoded.Close()
	defer fin.do()

	logger := e.logger.With(
		slog.String("incoming_id", meta.IncomingUniqueID),
		slog.String("message_id", state.MessageID))

	dr, errs, err := e.dispatcher.Dispatch(ctx, meta, headers, state)
	if registered && (err != nil || !dr.Success) {
		e.release(ctx, logger, state)
	}
	if err != nil {
		logger.Error("asynchronous dispatch failed", slog.String("error", err.Error()))
		AsyncDeliveries.WithLabelValues("failed").Inc()
		e.dispatcher.NotifyResponse(ctx, meta, state, "", nil, false)
		return
	}
	countProtocolErrors(errs)

	resp := e.responses.Decide(meta, state, errs, dr)
	ResponsesSent.WithLabelValues(resp.Kind().String()).Inc()
	if resp.Kind() == ResponseNone {
		AsyncDeliveries.WithLabelValues("no_response").Inc()
		e.dispatcher.NotifyResponse(ctx, meta, state, "", nil, false)
		return
	}

	target := ""
	if dr != nil {
		target = dr.AsyncURL
	}
	if target == "" {
		if leg2 := state.PMode.Leg(2); leg2 != nil && leg2.Protocol != nil {
			target = leg2.Protocol.Address
		}
	}
	if err := validateAsyncURL(target); err != nil {
		logger.Error("cannot deliver asynchronous response", slog.String("error", err.Error()))
		AsyncDeliveries.WithLabelValues("no_url").Inc()
		e.dispatcher.NotifyResponse(ctx, meta, state, "", nil, false)
		return
	}

	payload, err := e.responses.Render(ctx, state, resp)
	if err != nil {
		logger.Error("failed to render asynchronous response", slog.String("error", err.Error()))
		AsyncDeliveries.WithLabelValues("failed").Inc()
		e.dispatcher.NotifyResponse(ctx, meta, state, "", nil, false)
		return
	}
	e.dumpOutgoing(logger, meta, state, payload)

	if _, err := e.async.Send(ctx, target, payload); err != nil {
		logger.Error("asynchronous response delivery failed",
			slog.String("url", target),
			slog.String("error", err.Error()))
		AsyncDeliveries.WithLabelValues("failed").Inc()
		e.dispatcher.NotifyResponse(ctx, meta, state, payload.MessageID, payload.Body, false)
		return
	}
	AsyncDeliveries.WithLabelValues("success").Inc()
	logger.Info("asynchronous response delivered",
		slog.String("url", target),
		slog.String("response", payload.Kind.String()))
	e.dispatcher.NotifyResponse(ctx, meta, state, payload.MessageID, payload.Body, true)
}

func (e *Engine) dumpOutgoing(logger *slog.Logger, meta *Metadata, state *State, payload *ResponsePayload) {
	if e.outDump == nil || payload == nil {
		return
	}
	if err := e.outDump.Dump(meta, state, payload); err != nil {
		logger.Warn("failed to dump outgoing response", slog.String("error", err.Error()))
	}
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	res, err := e.HandleRequest(r.Context(), r)
	if err != nil {
		e.writeFault(w, r, err)
		return
	}

	if res.Response == nil {
		w.WriteHeader(res.Status)
		return
	}
	for k, vs := range res.Response.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", res.Response.ContentType)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Response.Body)
}

func (e *Engine) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	Faults.WithLabelValues(kind.String()).Inc()

	version := message.SOAPVersionFromContentType(r.Header.Get("Content-Type"))
	if !version.IsKnown() {
		version = message.SOAP12
	}

	status := http.StatusBadRequest
	code := message.FaultSender
	reason := err.Error()
	switch kind {
	case KindMustUnderstand:
		code = message.FaultMustUnderstand
	case KindFatal:
		status = http.StatusInternalServerError
		code = message.FaultReceiver
		reason = "internal error while processing the message"
	}

	body, ferr := message.NewFault(version, code, reason)
	if ferr != nil {
		http.Error(w, reason, status)
		return
	}
	w.Header().Set("Content-Type", version.MimeType()+"; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func countProtocolErrors(errs []*message.ErrorDetail) {
	for _, e := range errs {
		ProtocolErrors.WithLabelValues(e.Code.Code).Inc()
	}
}

type finalizer struct {
	once  sync.Once
	fn    func(meta *Metadata, state *State)
	meta  *Metadata
	state *State
}

func (f *finalizer) do() {
	f.once.Do(func() {
		if f.fn != nil {
			f.fn(f.meta, f.state)
		}
	})
}
