package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shopmesh/shopmesh"
	cas "github.com/shopmesh/shopmesh/cassandra"
	"github.com/shopmesh/shopmesh/flashsale"
	"github.com/shopmesh/shopmesh/im"
	"github.com/shopmesh/shopmesh/kafka"
	"github.com/shopmesh/shopmesh/redis"
	"github.com/shopmesh/shopmesh/restapi"
)

// Cassandra Config, please update with your Cassandra Server cluster config.
var cassConfig = cas.Config{
	ClusterHosts: []string{"localhost:9042"},
	Keyspace:     "shopmesh",
}

// Redis Config, please update with your Redis cluster config.
var redisConfig = redis.Options{
	Address:  "localhost:6379",
	Password: "", // no password set
	DB:       0,  // use default DB
}

// Kafka Config, please update with your Kafka brokers.
var kafkaConfig = kafka.Config{
	Brokers: []string{"localhost:9093"},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisConn, err := redis.OpenConnection(redisConfig)
	if err != nil {
		log.Fatal(err)
	}
	defer redis.CloseConnection()
	if _, err := cas.OpenConnection(cassConfig); err != nil {
		log.Fatal(err)
	}
	defer cas.CloseConnection()
	if err := kafka.Initialize(kafkaConfig); err != nil {
		log.Fatal(err)
	}
	defer kafka.CloseProducer()
	bus, err := kafka.NewProducer()
	if err != nil {
		log.Fatal(err)
	}

	cache := redis.NewClient()
	orders := cas.NewOrderRepository()
	stockLog := cas.NewStockLogRepository()
	activities := cas.NewActivityRepository()
	recons := cas.NewReconciliationLogRepository()
	snapshots := cas.NewSnapshotRepository()
	offlineRepo := cas.NewOfflineMessageRepository()
	receiptRepo := cas.NewReadReceiptRepository()

	// Flash-sale core.
	fsCfg := flashsale.DefaultConfig()
	stockCache := flashsale.NewStockCache(cache)
	gate := flashsale.NewAdmissionGate(stockCache, fsCfg)
	engine := flashsale.NewInventoryEngine(stockCache, orders, stockLog, activities, bus, gate, fsCfg)
	materializer := flashsale.NewOrderMaterializer(orders, stockLog, cache, fsCfg)
	lifecycle := flashsale.NewLifecycleManager(activities, engine, gate, fsCfg)
	sweeper := flashsale.NewSweeper(orders, engine, cache, fsCfg)
	reconciler := flashsale.NewReconciler(stockCache, orders, activities, recons, engine, cache, fsCfg)

	// IM routing core.
	imCfg := im.DefaultConfig()
	registry, err := im.NewCachedRegistry(ctx, im.NewRegistry(redisConn, imCfg), imCfg)
	if err != nil {
		log.Fatal(err)
	}
	sequencer := im.NewSequencer(cache, snapshots, imCfg)
	filter := im.NewContentFilter(sensitiveWords(), nil)
	gateways := im.NewHTTPGatewayClient(gatewayEndpoints(), imCfg.GatewayTimeout)
	router := im.NewRouter(registry, sequencer, filter, cache, bus, gateways, imCfg)
	offlineWriter := im.NewOfflineWriter(offlineRepo, cache, imCfg)
	offlineSweeper := im.NewOfflineSweeper(offlineRepo, cache, imCfg)
	receipts := im.NewReceiptTracker(receiptRepo, registry, bus, imCfg)

	orderConsumer, err := kafka.NewConsumerGroup("order_materializer", []string{shopmesh.TopicOrderEvents},
		fsCfg.MaterializerBatchSize, fsCfg.MaterializerBatchTimeout, materializer.HandleBatch)
	if err != nil {
		log.Fatal(err)
	}
	offlineConsumer, err := kafka.NewConsumerGroup("offline_writer", []string{shopmesh.TopicOfflineMsg},
		imCfg.OfflineBatchSize, imCfg.OfflineBatchTimeout, offlineWriter.HandleBatch)
	if err != nil {
		log.Fatal(err)
	}

	api := restapi.NewFlashSaleAPI(gate, engine, materializer, lifecycle, recons)
	api.RegisterMethods()
	imAPI := restapi.NewIMAPI(router, registry, offlineWriter, receipts)
	imAPI.RegisterMethods()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lifecycle.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	g.Go(func() error { return offlineSweeper.Run(ctx) })
	g.Go(func() error { return orderConsumer.Run(ctx) })
	g.Go(func() error { return offlineConsumer.Run(ctx) })
	g.Go(func() error { return restapi.Main(ctx, listenAddress()) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

func listenAddress() string {
	if addr := os.Getenv("SHOPMESH_LISTEN"); addr != "" {
		return addr
	}
	return "localhost:8080"
}

// gatewayEndpoints reads the gateway id -> base URL table from the environment,
// formatted gw1=http://host:port,gw2=http://host:port.
func gatewayEndpoints() map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(os.Getenv("SHOPMESH_GATEWAYS"), ",") {
		if name, url, found := strings.Cut(pair, "="); found {
			out[name] = url
		}
	}
	return out
}

// sensitiveWords reads the word -> action table from the environment, formatted
// word1=block,word2=replace,word3=audit.
func sensitiveWords() map[string]im.FilterAction {
	out := map[string]im.FilterAction{}
	for _, pair := range strings.Split(os.Getenv("SHOPMESH_FILTER_WORDS"), ",") {
		name, action, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		switch action {
		case "block":
			out[name] = im.ActionBlock
		case "replace":
			out[name] = im.ActionReplace
		case "audit":
			out[name] = im.ActionAudit
		}
	}
	return out
}
