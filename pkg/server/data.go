package server

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/volume"
)

// handleData answers one slice request. Failures are replied with the
// request's addressing keys so the client can fail the matching fetch.
func (s *Server) handleData(ctx context.Context, sess *Session, msg protocol.Message) error {
	ctx, span := s.tracer.Start(ctx, "fisync.data",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("fisync.client_id", sess.ID),
			attribute.String("fisync.data_id", msg.Info.String(protocol.KeyDataID)),
			attribute.String("fisync.slice_orientation", msg.Info.String(protocol.KeySliceOrientation)),
		))
	defer span.End()

	start := time.Now()
	resp, err := s.serveData(ctx, msg)
	if err != nil {
		kind := protocol.KindOf(err)
		s.metrics.dataRequests.WithLabelValues(kind.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		_ = sess.Send(dataErrorReply(msg, err))
		return err
	}

	size := len(resp.Payload)
	s.metrics.dataRequests.WithLabelValues("success").Inc()
	s.metrics.dataBytes.Add(float64(size))
	span.SetAttributes(
		attribute.Int("fisync.slice_index", resp.Address.Slice),
		attribute.Int("fisync.series_index", resp.Address.Series),
		attribute.Int("fisync.payload_bytes", size),
	)
	span.SetStatus(codes.Ok, "")
	sess.logger.Debug("slice served",
		"data_id", resp.DataID,
		"slice", resp.Address.String(),
		"size", humanize.Bytes(uint64(size)),
		"duration", time.Since(start))
	return sess.Send(resp.Message())
}

func (s *Server) serveData(ctx context.Context, msg protocol.Message) (volume.Response, error) {
	req, err := volume.ParseRequest(msg)
	if err != nil {
		return volume.Response{}, err
	}
	if s.datasets == nil {
		return volume.Response{}, protocol.NewProtocolError("data request", "no datasets", ErrNoDatasets)
	}
	d, err := s.datasets.Get(ctx, req.DataID)
	if err != nil {
		return volume.Response{}, err
	}
	return d.Respond(req)
}

func dataErrorReply(req protocol.Message, err error) protocol.Message {
	reply := protocol.ErrorReply(protocol.TypeData, err)
	for _, key := range []string{
		protocol.KeyDataType,
		protocol.KeyDataID,
		protocol.KeySliceOrientation,
		protocol.KeySliceIndex,
		protocol.KeySeriesIndex,
	} {
		if raw, ok := req.Info.Get(key); ok {
			reply.Info.SetRaw(key, raw)
		}
	}
	return reply
}
