package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for spans around the active-messaging core.
const (
	AttrRank      = "vt.rank"
	AttrDestRank  = "vt.dest_rank"
	AttrHandlerID = "vt.handler_id"
	AttrEntityID  = "vt.entity_id"
	AttrTag       = "vt.tag"
	AttrBytes     = "vt.bytes"
	AttrEpoch     = "vt.epoch"
)

// Span names for the operations worth tracing end to end.
const (
	SpanSend            = "messenger.send"
	SpanDispatch        = "messenger.dispatch"
	SpanRoute           = "location.route"
	SpanMigrate         = "location.migrate"
	SpanBarrier         = "collective.barrier"
	SpanReduce          = "collective.reduce"
	SpanTerminationWave = "termination.wave"
)

func Rank(rank int) attribute.KeyValue       { return attribute.Int(AttrRank, rank) }
func DestRank(rank int) attribute.KeyValue   { return attribute.Int(AttrDestRank, rank) }
func HandlerID(id uint64) attribute.KeyValue { return attribute.Int64(AttrHandlerID, int64(id)) }
func EntityID(id uint64) attribute.KeyValue  { return attribute.Int64(AttrEntityID, int64(id)) }
func Tag(tag int64) attribute.KeyValue       { return attribute.Int64(AttrTag, tag) }
func Bytes(n int) attribute.KeyValue         { return attribute.Int(AttrBytes, n) }
func Epoch(epoch uint64) attribute.KeyValue  { return attribute.Int64(AttrEpoch, int64(epoch)) }

// StartSendSpan starts a span around one active-message send.
func StartSendSpan(ctx context.Context, destRank int, handlerID uint64, bytes int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSend, trace.WithAttributes(DestRank(destRank), HandlerID(handlerID), Bytes(bytes)))
}

// StartDispatchSpan starts a span around one handler dispatch.
func StartDispatchSpan(ctx context.Context, handlerID uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanDispatch, trace.WithAttributes(HandlerID(handlerID)))
}

// StartRouteSpan starts a span around one location-manager route resolution.
func StartRouteSpan(ctx context.Context, entityID uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanRoute, trace.WithAttributes(EntityID(entityID)))
}

// StartTerminationWaveSpan starts a span around one termination-detection wave.
func StartTerminationWaveSpan(ctx context.Context, epoch uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanTerminationWave, trace.WithAttributes(Epoch(epoch)))
}
