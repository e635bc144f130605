package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/compression"
	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

// ProcessorResult is what a business processor reports for one message.
type ProcessorResult struct {
	Success bool
	// Errors are protocol errors to report to the sender.
	Errors []*message.ErrorDetail
	// ResponseAttachments are added to the response user message.
	ResponseAttachments []*attachment.Attachment
	// PullReply answers a PullRequest. Only valid for signal messages.
	PullReply *message.UserMessage
	// AsyncResponseURL overrides the destination of an asynchronous
	// response.
	AsyncResponseURL string
}

// BusinessProcessor is the extension point for application code. The
// header map is a private copy. Returning an error aborts processing
// with a fault.
type BusinessProcessor interface {
	ProcessUserMessage(ctx context.Context, meta *Metadata, headers http.Header, um *message.UserMessage,
		pm *pmode.ProcessingMode, payload *etree.Element, attachments []*attachment.Attachment, state *State) (*ProcessorResult, error)
	ProcessSignalMessage(ctx context.Context, meta *Metadata, headers http.Header, sm *message.SignalMessage,
		pm *pmode.ProcessingMode, payload *etree.Element, state *State) (*ProcessorResult, error)
	// ProcessResponse is informed about the response that was produced.
	// available is false when nothing was sent back.
	ProcessResponse(ctx context.Context, meta *Metadata, state *State, responseMessageID string, response []byte, available bool)
}

// DispatchResult collects the outcome of all business processors.
type DispatchResult struct {
	Success     bool
	PullReply   *message.UserMessage
	AsyncURL    string
	Attachments []*attachment.Attachment
}

// Dispatcher invokes the business processors in order.
type Dispatcher struct {
	Processors []BusinessProcessor
	Logger     *slog.Logger
}

// Dispatch hands the message to every processor until one fails. Protocol
// errors are returned as details; business faults as error.
func (d *Dispatcher) Dispatch(ctx context.Context, meta *Metadata, headers http.Header, state *State) (*DispatchResult, []*message.ErrorDetail, error) {
	result := &DispatchResult{Success: true}
	logger := d.logger().With(slog.String("message_id", state.MessageID))

	if state.Ping && (state.Profile == nil || !state.Profile.DispatchPing) {
		logger.Debug("ping message acknowledged without dispatch")
		return result, nil, nil
	}

	um := state.UserMessage()
	sm := state.SignalMessage()
	atts := state.Attachments()

	for i, proc := range d.Processors {
		var res *ProcessorResult
		var err error
		if um != nil {
			res, err = proc.ProcessUserMessage(ctx, meta, cloneHeader(headers), um, state.PMode, state.Payload, atts, state)
		} else {
			res, err = proc.ProcessSignalMessage(ctx, meta, cloneHeader(headers), sm, state.PMode, state.Payload, state)
		}

		if err != nil {
			if errors.Is(err, compression.ErrDecompression) {
				result.Success = false
				return result, []*message.ErrorDetail{message.ErrDecompressionFailure.Detail(state.MessageID, err.Error())}, nil
			}
			logger.Error("business processor failed", slog.Int("processor", i), slog.String("error", err.Error()))
			return nil, nil, fatalError(fmt.Errorf("business processor %d: %w", i, err), false)
		}
		if res == nil {
			return nil, nil, fatalError(fmt.Errorf("business processor %d: %w", i, ErrNilResult), false)
		}

		if !res.Success {
			result.Success = false
			errs := res.Errors
			if len(errs) == 0 {
				errs = []*message.ErrorDetail{message.ErrOther.Detail(state.MessageID, "business processing failed")}
			}
			logger.Warn("business processor reported failure", slog.Int("processor", i), slog.Int("errors", len(errs)))
			return result, errs, nil
		}

		result.Attachments = append(result.Attachments, res.ResponseAttachments...)

		if res.AsyncResponseURL != "" {
			if result.AsyncURL != "" {
				result.Success = false
				return result, []*message.ErrorDetail{message.ErrValueInconsistent.Detail(state.MessageID,
					"only one asynchronous response URL may be provided")}, nil
			}
			result.AsyncURL = res.AsyncResponseURL
		}

		if res.PullReply != nil {
			if sm == nil || sm.PullRequest == nil {
				logger.Warn("ignoring pull reply for non pull request", slog.Int("processor", i))
			} else if result.PullReply != nil {
				result.Success = false
				return result, []*message.ErrorDetail{message.ErrValueInconsistent.Detail(state.MessageID,
					"only one pull reply user message may be provided")}, nil
			} else {
				result.PullReply = res.PullReply
			}
		}
	}

	if sm != nil && sm.PullRequest != nil && result.PullReply == nil {
		return result, []*message.ErrorDetail{message.ErrEmptyMPC.Detail(state.MessageID,
			fmt.Sprintf("no message available on MPC %q", sm.PullRequest.MPC))}, nil
	}
	return result, nil, nil
}

// NotifyResponse tells every processor about the produced response.
// Panics of processors are logged and swallowed.
func (d *Dispatcher) NotifyResponse(ctx context.Context, meta *Metadata, state *State, responseMessageID string, response []byte, available bool) {
	for i, proc := range d.Processors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger().Error("response notification panicked",
						slog.Int("processor", i),
						slog.String("message_id", state.MessageID),
						slog.Any("panic", r))
				}
			}()
			proc.ProcessResponse(ctx, meta, state, responseMessageID, response, available)
		}()
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
