// Package interceptor records every exchange made through an http.Client
// without changing what the caller sends or receives.
package interceptor

import (
	"context"
	"net/http"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/body"
	"github.com/PipeOpsHQ/netspy/internal/config"
	"github.com/PipeOpsHQ/netspy/internal/notify"
	"github.com/PipeOpsHQ/netspy/internal/observability"
	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/PipeOpsHQ/netspy/internal/interceptor"

// Forward sends a request on to the network.
type Forward func(*http.Request) (*http.Response, error)

// Recorder is the part of the store the interceptor writes through.
type Recorder interface {
	Insert(ctx context.Context, tx *transaction.Transaction) (int64, error)
	Update(ctx context.Context, id int64, fn func(*transaction.Transaction) error) (*transaction.Transaction, error)
}

// Trigger runs retention after a transaction finishes.
type Trigger interface {
	Trigger(ctx context.Context) (int64, error)
}

type Interceptor struct {
	store     Recorder
	settings  *config.Settings
	notifier  notify.Notifier
	retention Trigger
	log       zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Interceptor)

func WithNotifier(n notify.Notifier) Option { return func(i *Interceptor) { i.notifier = n } }

func WithRetention(t Trigger) Option { return func(i *Interceptor) { i.retention = t } }

func WithLogger(l zerolog.Logger) Option { return func(i *Interceptor) { i.log = l } }

func WithMetrics(m *observability.Metrics) Option { return func(i *Interceptor) { i.metrics = m } }

func WithClock(now func() time.Time) Option { return func(i *Interceptor) { i.now = now } }

func WithTracer(t trace.Tracer) Option { return func(i *Interceptor) { i.tracer = t } }

func New(store Recorder, settings *config.Settings, opts ...Option) *Interceptor {
	if settings == nil {
		settings = config.NewSettings(config.DefaultCapture())
	}
	i := &Interceptor{
		store:    store,
		settings: settings,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.tracer == nil {
		i.tracer = otel.Tracer(tracerName)
	}
	return i
}

// exchange is the recording state of one in-flight request.
type exchange struct {
	id       int64
	recorded bool
	cfg      config.Capture
	req      *requestCapture
	ctx      context.Context
	span     trace.Span
}

// Intercept records req, forwards it and returns exactly what forward
// returned. The response body is wrapped so the transaction completes when
// the caller finishes reading it.
func (i *Interceptor) Intercept(req *http.Request, forward Forward) (*http.Response, error) {
	cfg := i.settings.Load()
	spanCtx, span := i.tracer.Start(context.WithoutCancel(req.Context()), "netspy.capture",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.Redacted()),
		))

	x := &exchange{cfg: cfg, ctx: spanCtx, span: span}
	x.req = i.captureRequest(req, cfg)
	x.req.snapshot.SentAt = i.now()

	tx := transaction.New(x.req.snapshot)
	id, err := i.store.Insert(x.ctx, tx)
	if err != nil {
		i.storeError("insert", err)
	} else {
		x.id, x.recorded = id, true
		span.SetAttributes(attribute.Int64("netspy.transaction.id", id))
		if i.metrics != nil {
			i.metrics.PendingExchanges.Inc()
		}
	}

	resp, err := forward(x.req.forward)
	if err != nil {
		i.finish(x, func(tx *transaction.Transaction) error {
			return tx.CompleteWithFailure(transaction.Failure{Error: err.Error(), FailedAt: i.now()})
		})
		return resp, err
	}
	if resp == nil {
		i.finish(x, func(tx *transaction.Transaction) error {
			return tx.CompleteWithFailure(transaction.Failure{Error: "no response", FailedAt: i.now()})
		})
		return resp, err
	}

	facet := i.responseFacet(resp, cfg)
	if resp.StatusCode == http.StatusSwitchingProtocols {
		// the body is the upgraded connection and belongs to the caller
		facet.Body = body.Unavailable(transaction.UnknownSize)
		i.finish(x, func(tx *transaction.Transaction) error { return tx.CompleteWithResponse(facet) })
		return resp, nil
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		facet.Body = i.decode(nil, body.Info{ContentType: facet.ContentType}, cfg.BodyOptions(), "response")
		i.finish(x, func(tx *transaction.Transaction) error { return tx.CompleteWithResponse(facet) })
		return resp, nil
	}

	info := body.Info{ContentType: facet.ContentType, ContentEncoding: resp.Header.Get("Content-Encoding")}
	resp.Body = &responseBody{
		rc:  resp.Body,
		buf: body.NewBuffer(limitOf(cfg.BodyOptions())),
		finish: func(buf *body.Buffer, readErr error) {
			if readErr != nil {
				i.finish(x, func(tx *transaction.Transaction) error {
					return tx.CompleteWithFailure(transaction.Failure{Error: readErr.Error(), FailedAt: i.now()})
				})
				return
			}
			info.Total = transaction.UnknownSize
			if buf.Done() {
				info.Total = buf.Total()
			}
			facet.Body = i.decode(buf.Bytes(), info, cfg.BodyOptions(), "response")
			i.finish(x, func(tx *transaction.Transaction) error { return tx.CompleteWithResponse(facet) })
		},
	}
	return resp, nil
}

// finish applies the terminal transition, then notifies and runs retention.
func (i *Interceptor) finish(x *exchange, complete func(*transaction.Transaction) error) {
	defer x.span.End()
	if !x.recorded {
		x.span.SetStatus(codes.Error, "transaction not recorded")
		return
	}
	if i.metrics != nil {
		i.metrics.PendingExchanges.Dec()
	}

	reqBody, streamed := i.streamed(x.req)
	tx, err := i.store.Update(x.ctx, x.id, func(tx *transaction.Transaction) error {
		if streamed {
			if err := tx.SetRequestBody(reqBody); err != nil {
				return err
			}
		}
		return complete(tx)
	})
	if err != nil {
		i.storeError("complete", err)
		x.span.RecordError(err)
		x.span.SetStatus(codes.Error, "complete transaction")
		return
	}

	x.span.SetAttributes(attribute.String("netspy.transaction.state", string(tx.State)))
	if tx.State == transaction.Failed {
		x.span.SetStatus(codes.Error, tx.Failure.Error)
	}
	if i.metrics != nil {
		i.metrics.TransactionsTotal.WithLabelValues(string(tx.State)).Inc()
	}
	i.log.Debug().Int64("id", tx.ID).Str("state", string(tx.State)).Str("url", tx.Request.URL).Msg("transaction recorded")

	if x.cfg.NotificationsEnabled && i.notifier != nil {
		i.notifier.Notify(notify.EventFor(tx))
	}
	if i.retention != nil {
		if _, err := i.retention.Trigger(x.ctx); err != nil {
			i.storeError("prune", err)
		}
	}
}

func (i *Interceptor) storeError(op string, err error) {
	i.log.Error().Err(err).Str("op", op).Msg("transaction store failed, exchange continues")
	if i.metrics != nil {
		i.metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

func (i *Interceptor) degraded(direction string, status transaction.BodyStatus) {
	if i.metrics != nil {
		i.metrics.DegradedTotal.WithLabelValues(direction, string(status)).Inc()
	}
}
