package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/aws_s3"
	"github.com/IliaW/css-inline-worker/internal/broker"
	"github.com/IliaW/css-inline-worker/internal/browser"
	cacheClient "github.com/IliaW/css-inline-worker/internal/cache"
	"github.com/IliaW/css-inline-worker/internal/crawler"
	"github.com/IliaW/css-inline-worker/internal/extractor"
	"github.com/IliaW/css-inline-worker/internal/model"
	"github.com/IliaW/css-inline-worker/internal/persistence"
	"github.com/IliaW/css-inline-worker/internal/worker"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
)

var db *sql.DB

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume extraction tasks from kafka and publish the results.",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(v); err != nil {
				return fmt.Errorf("can't initialize config: %w", err)
			}
			log = setupLogger(os.Stdout)
			return validateWorkerConfig(cfg)
		},
		RunE: runWorker,
	}
}

func validateWorkerConfig(c *config.Config) error {
	switch {
	case c.ExtractSettings == nil, c.WorkerSettings == nil:
		return errors.New("extract and worker settings are required")
	case c.KafkaSettings == nil, c.KafkaSettings.Producer == nil, c.KafkaSettings.Consumer == nil:
		return errors.New("kafka producer and consumer settings are required")
	case c.KafkaSettings.Producer.Addr == "", c.KafkaSettings.Producer.WriteTopicName == "":
		return errors.New("kafka.producer.addr and kafka.producer.write_topic_name are required")
	case c.KafkaSettings.Consumer.Brokers == "", c.KafkaSettings.Consumer.ReadTopicName == "":
		return errors.New("kafka.consumer.brokers and kafka.consumer.read_topic_name are required")
	case c.KafkaSettings.Producer.BatchSize < 1, c.KafkaSettings.Producer.BatchTimeout <= 0,
		c.KafkaSettings.Producer.WriteTimeout <= 0:
		return errors.New("kafka.producer batch_size, batch_timeout and write_timeout must be positive")
	case c.DbSettings == nil:
		return errors.New("database settings are required")
	case c.S3Settings == nil:
		return errors.New("s3 settings are required")
	case c.CacheSettings == nil, c.CacheSettings.Servers == "":
		return errors.New("cache servers are required")
	case c.CrawlerSettings == nil:
		return errors.New("crawler settings are required")
	case c.WorkerSettings.MaxWorkers < 1:
		return errors.New("worker.max_workers must be positive")
	}
	return nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	htmlSource, err := model.ParseHTMLSource(cfg.WorkerSettings.HTMLSource)
	if err != nil {
		return err
	}
	opts, err := config.ParseOptions(cfg.ExtractSettings, "")
	if err != nil {
		return err
	}

	db = setupDatabase()
	defer closeDatabase()
	s3 := aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	cache := cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
	defer cache.Close()
	crawl := crawler.NewCrawlService(cfg.CrawlerSettings, log)
	fetcher := crawler.NewCollyFetcher(cfg.WorkerSettings.FetchTimeout, cfg.WorkerSettings.UserAgent, log)
	metadataRepo := persistence.NewMetadataRepository(db, log)

	// The browser outlives the signal context so that in-flight runs can finish during shutdown.
	browserCtx, closeBrowser, err := browser.Start(context.Background(), cfg.ExtractSettings.ChromePath, log)
	if err != nil {
		return err
	}
	defer closeBrowser()

	log.Info("starting worker.", slog.String("env", cfg.Env), slog.String("html source", htmlSource.String()),
		slog.Int("workers", cfg.WorkerSettings.MaxWorkers))

	taskChan := make(chan *model.ExtractTask, 100)
	resultChan := make(chan *model.Extraction, 100)
	panicChan := make(chan struct{}, cfg.WorkerSettings.MaxWorkers)

	kafkaWg := &sync.WaitGroup{}
	kafkaWg.Add(1)
	go broker.NewKafkaConsumer(taskChan, cfg.KafkaSettings.Consumer, log, kafkaWg).Run(ctx)

	workerWg := &sync.WaitGroup{}
	extractWorker := &worker.ExtractWorker{
		InputChan:  taskChan,
		OutputChan: resultChan,
		PanicChan:  panicChan,
		Extractor:  extractor.New(extractor.ChromeLauncher(log), log),
		Archive:    crawl,
		Fetcher:    fetcher,
		Cfg:        cfg,
		Options:    opts,
		Log:        log,
		Db:         metadataRepo,
		S3:         s3,
		Cache:      cache,
		Wg:         workerWg,
		HTMLSource: htmlSource,
	}
	for i := 0; i < cfg.WorkerSettings.MaxWorkers; i++ {
		workerWg.Add(1)
		go extractWorker.Run(browserCtx)
	}
	// Restart workers if they panic.
	go func() {
		for range panicChan {
			workerWg.Add(1)
			go extractWorker.Run(browserCtx)
			time.Sleep(3 * time.Minute) // timeout to avoid polluting logs if something unrecoverable happened
		}
	}()

	kafkaWg.Add(1)
	go broker.NewKafkaProducer(resultChan, cfg.KafkaSettings.Producer, log, kafkaWg).Run()

	// Graceful shutdown.
	// 1. Stop Kafka Consumer by system call. Close taskChan
	// 2. Wait till all Workers processed all tasks from taskChan. Close resultChan
	// 3. Wait till Producer process all messages from resultChan and write to kafka
	// 4. Stop Kafka Producer. Close browser, database and memcached connections
	<-ctx.Done()
	log.Info("stopping worker...")
	workerWg.Wait()
	close(resultChan)
	log.Info("close resultChan.")
	close(panicChan)
	log.Info("close panicChan.")
	kafkaWg.Wait()

	return nil
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
