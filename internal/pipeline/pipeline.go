// Package pipeline wires the stages together: market ingress, signal
// generation, the order channel, the broker, history persistence and the
// real-time fan-out.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"hft-core/internal/balance"
	"hft-core/internal/batch"
	"hft-core/internal/broker"
	"hft-core/internal/events"
	"hft-core/internal/history"
	"hft-core/internal/market"
	"hft-core/internal/monitor"
	"hft-core/internal/order"
	"hft-core/internal/queue"
	"hft-core/internal/realtime"
	"hft-core/internal/signal"
	"hft-core/internal/venue"
	"hft-core/pkg/config"
	"hft-core/pkg/db"
)

// Queue names.
const (
	OrdersQueue  = "orders"
	HistoryQueue = "history"
)

// Deps overrides collaborators New would otherwise build from config.
type Deps struct {
	First, Second signal.Estimator
	Venue         venue.Venue
	Publisher     realtime.Publisher
	Now           func() time.Time
}

// Pipeline owns every stage of one process.
type Pipeline struct {
	cfg    *config.Config
	logger *logrus.Logger

	DB      *db.Database
	Bus     *events.Bus
	Metrics *monitor.PipelineMetrics
	Ledger  *balance.Ledger
	Sink    *history.Sink

	Orders  *queue.Queue
	History *queue.Queue

	Router          *order.Router
	Generator       *signal.Generator
	Engine          *broker.Engine
	OrderConsumer   *queue.Consumer
	HistoryConsumer *queue.Consumer
	Fanout          *history.Fanout
	Monitor         *monitor.Monitor

	estimators []string
	closeFn    func() error
	ingested   int64
	mu         sync.Mutex
}

func New(cfg *config.Config, database *db.Database, logger *logrus.Logger, deps Deps) (*Pipeline, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	p := &Pipeline{
		cfg:     cfg,
		logger:  logger,
		DB:      database,
		Bus:     events.NewBus(),
		Metrics: monitor.NewPipelineMetrics(),
		closeFn: func() error { return nil },
	}
	p.Ledger = balance.NewLedger(database, deps.Now)
	p.Sink = history.NewSink(database, deps.Now)

	p.Orders = queue.New(database, queue.Options{
		Name:              OrdersQueue,
		FIFO:              true,
		DedupHorizon:      cfg.DedupHorizon,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxReceiveCount:   cfg.MaxReceiveCount,
		Now:               deps.Now,
	})
	p.History = queue.New(database, queue.Options{
		Name:              HistoryQueue,
		FIFO:              false,
		DedupHorizon:      cfg.DedupHorizon,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxReceiveCount:   cfg.MaxReceiveCount,
		Now:               deps.Now,
	})

	first, second := deps.First, deps.Second
	if first == nil || second == nil {
		cfgs, err := signal.LoadConfig(cfg.EstimatorsPath)
		if err != nil {
			return nil, err
		}
		var closeFn func() error
		first, second, closeFn, err = signal.BuildPair(cfgs)
		if err != nil {
			return nil, err
		}
		p.closeFn = closeFn
	}
	p.estimators = []string{first.Name(), second.Name()}

	p.Router = order.NewRouter(p.Orders, logger)
	gen, err := signal.NewGenerator(first, second, p.Router, logger,
		signal.WithClock(deps.Now),
		signal.WithBus(p.Bus),
		signal.WithObserver(p.Metrics),
	)
	if err != nil {
		p.closeFn()
		return nil, err
	}
	p.Generator = gen

	v := deps.Venue
	if v == nil {
		v = venue.NewMock()
	}
	p.Engine = broker.NewEngine(p.Ledger, v, p.History, broker.Config{
		LotSize: cfg.LotSize,
		Now:     deps.Now,
		Bus:     p.Bus,
	}, logger)

	// The pollers alone bound parallel executions; each batch runs sequentially.
	p.OrderConsumer = queue.NewConsumer(p.Orders,
		broker.NewConsumer(p.Engine, 1, logger, p.Metrics, p.Bus),
		queue.ConsumerConfig{
			Stage:          "broker",
			BatchSize:      cfg.OrderBatchSize,
			MaxConcurrency: cfg.OrderMaxConcurrency,
			PollInterval:   cfg.PollInterval,
			RetryDelay:     cfg.RetryDelay,
		}, logger, nil)
	p.HistoryConsumer = queue.NewConsumer(p.History,
		history.NewProcessor(p.Sink, logger, p.Metrics, p.Bus),
		queue.ConsumerConfig{
			Stage:          "history",
			BatchSize:      cfg.HistoryBatchSize,
			MaxConcurrency: cfg.HistoryMaxConcurrency,
			PollInterval:   cfg.PollInterval,
			RetryDelay:     cfg.RetryDelay,
		}, logger, nil)

	pub := deps.Publisher
	if pub == nil {
		pub = defaultPublisher(cfg, p.Bus)
	}
	p.Fanout = history.NewFanout(database, pub, history.FanoutConfig{
		Name:         "fanout-" + cfg.RealtimeChannel,
		Channel:      cfg.RealtimeChannel,
		BatchSize:    cfg.FanoutBatchSize,
		PollInterval: cfg.PollInterval,
	}, logger, p.Metrics, p.Bus)

	p.Monitor = &monitor.Monitor{
		Bus:      p.Bus,
		Metrics:  p.Metrics,
		Rules:    monitor.DefaultRules(),
		Sink:     monitor.LogSink{Logger: logger},
		Interval: 30 * time.Second,
		Logger:   logger,
	}
	return p, nil
}

// defaultPublisher always feeds websocket clients through the bus and also
// calls the GraphQL endpoint when one is configured.
func defaultPublisher(cfg *config.Config, bus *events.Bus) realtime.Publisher {
	pubs := realtime.Multi{realtime.NewBusPublisher(bus)}
	if cfg.AppSyncAPIURL != "" {
		pubs = append(pubs, realtime.NewGraphQLPublisher(cfg.AppSyncAPIURL, cfg.AppSyncAPIKey, nil))
	}
	return pubs
}

// Estimators names the configured estimator pair.
func (p *Pipeline) Estimators() []string { return p.estimators }

// Queues lists the durable channels for introspection.
func (p *Pipeline) Queues() []*queue.Queue { return []*queue.Queue{p.Orders, p.History} }

// Ingest runs market events through signal generation as one batch.
func (p *Pipeline) Ingest(ctx context.Context, evs ...market.Event) batch.Outcome {
	items := make([]batch.Item, 0, len(evs))
	var out batch.Outcome
	for _, ev := range evs {
		p.mu.Lock()
		p.ingested++
		id := "ingest-" + strconv.FormatInt(p.ingested, 10)
		p.mu.Unlock()

		body, err := market.Encode(ev)
		if err != nil {
			out.Fail(id, err)
			continue
		}
		items = append(items, batch.Item{ID: id, Key: ev.UserID, Body: body})
	}
	res := p.Generator.HandleBatch(ctx, items)
	for _, id := range res.Failed {
		out.Fail(id, res.Errors[id])
	}
	return out
}

// SeedUsers creates a cash row for every user that has none.
func (p *Pipeline) SeedUsers(ctx context.Context, users []string, cash decimal.Decimal) error {
	for _, u := range users {
		err := p.Ledger.CreateIfAbsent(ctx, u, cash)
		if err != nil && !errors.Is(err, balance.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// Drain polls the downstream stages once each until none of them makes
// progress. Failed items stay on their channel for redelivery.
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		orders, err := p.OrderConsumer.PollOnce(ctx)
		if err != nil {
			return err
		}
		hist, err := p.HistoryConsumer.PollOnce(ctx)
		if err != nil {
			return err
		}
		out, changes, err := p.Fanout.Poll(ctx)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			changes = 0
		}
		if orders == 0 && hist == 0 && changes == 0 {
			return nil
		}
	}
}

// Run starts every stage and blocks until ctx is canceled or the market
// source stops with an error, which shuts the other stages down.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.Monitor.Start(ctx)

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	start(p.OrderConsumer.Run)
	start(p.HistoryConsumer.Run)
	start(p.Fanout.Run)

	var ingressErr error
	switch p.cfg.MarketSource {
	case "kafka":
		ingress := market.NewKafkaIngress(
			market.NewKafkaReader(p.cfg.KafkaBrokers, p.cfg.KafkaMarketTopic, p.cfg.KafkaGroupID),
			market.NewKafkaWriter(p.cfg.KafkaBrokers, p.cfg.KafkaMarketTopic),
			p.Generator,
			market.KafkaConfig{BatchSize: p.cfg.OrderBatchSize * 10, BatchTimeout: time.Second},
			p.logger, p.Metrics,
		)
		ingressErr = ingress.Run(ctx)
		cancel()
		if errors.Is(ingressErr, context.Canceled) {
			ingressErr = nil
		}
		if err := ingress.Close(); err != nil {
			p.logger.WithError(err).Warn("close kafka ingress")
		}
	default:
		feed := market.NewMockFeed(p.cfg.MockUsers, p.cfg.MockSymbols, p.cfg.MockInterval, time.Now().UnixNano(), p.logger)
		feed.Run(ctx, p.Generator)
	}

	wg.Wait()
	return ingressErr
}

// Close releases estimator connections.
func (p *Pipeline) Close() error {
	return p.closeFn()
}
