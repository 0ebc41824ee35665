package vaultd

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/firmware"
)

// QueueHandle owns exclusive access to one device's transport and serializes
// every exchange against it. One handle exists per device for the life of
// the process session; callers share the handle, never the transport.
type QueueHandle struct {
	deviceID  string
	requests  chan exchangeRequest
	done      chan struct{}
	closeOnce sync.Once
}

type exchangeRequest struct {
	ctx   context.Context
	msg   firmware.Message
	reply chan exchangeReply
}

type exchangeReply struct {
	msg firmware.Message
	err error
}

// newQueueHandle starts the worker goroutine that drains the request channel
// one exchange at a time.
func newQueueHandle(deviceID string, transport firmware.Transport) *QueueHandle {
	h := &QueueHandle{
		deviceID: deviceID,
		requests: make(chan exchangeRequest),
		done:     make(chan struct{}),
	}
	go h.run(transport)
	return h
}

func (h *QueueHandle) run(transport firmware.Transport) {
	defer func() {
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Str("device_id", h.deviceID).Msg("transport close failed")
		}
	}()
	for {
		select {
		case <-h.done:
			return
		case req := <-h.requests:
			msg, err := transport.Exchange(req.ctx, req.msg)
			req.reply <- exchangeReply{msg: msg, err: err}
		}
	}
}

// DeviceID returns the device this queue serves.
func (h *QueueHandle) DeviceID() string { return h.deviceID }

// Exchange sends one message and waits for the device's response. Exchanges
// from concurrent callers are strictly serialized; ctx bounds only the wait,
// not the device's own pace once the exchange has started.
func (h *QueueHandle) Exchange(ctx context.Context, msg firmware.Message) (firmware.Message, error) {
	req := exchangeRequest{ctx: ctx, msg: msg, reply: make(chan exchangeReply, 1)}
	select {
	case h.requests <- req:
	case <-h.done:
		return nil, newDeviceError(KindCommunicationFailure, h.deviceID, "device queue is shut down")
	case <-ctx.Done():
		return nil, wrapDeviceError(ctx.Err(), KindCommunicationTimeout, h.deviceID, "timed out waiting for device queue")
	}
	reply := <-req.reply
	if reply.err != nil {
		if errors.Is(reply.err, firmware.ErrClaimed) {
			return nil, claimedError(h.deviceID, reply.err)
		}
		if errors.Is(reply.err, context.DeadlineExceeded) || errors.Is(reply.err, context.Canceled) {
			return nil, wrapDeviceError(reply.err, KindCommunicationTimeout, h.deviceID, "device exchange timed out")
		}
		return nil, wrapDeviceError(reply.err, KindCommunicationFailure, h.deviceID, "device exchange failed")
	}
	return reply.msg, nil
}

// Features fetches a fresh feature snapshot through the queue.
func (h *QueueHandle) Features(ctx context.Context) (*FeatureSnapshot, error) {
	msg, err := h.Exchange(ctx, &firmware.GetFeatures{})
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *firmware.Features:
		return snapshotFromFeatures(m), nil
	case *firmware.Failure:
		return nil, newDeviceError(KindDeviceRejected, h.deviceID, "feature query rejected: %s", m.Message)
	default:
		return nil, newDeviceError(KindProtocolViolation, h.deviceID, "unexpected %s in response to GetFeatures", msg.Kind())
	}
}

// Close stops the worker and releases the transport. Pending Exchange calls
// fail with a communication error.
func (h *QueueHandle) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
