package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/css-inline-worker/config"
	"github.com/IliaW/css-inline-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type KafkaProducerClient struct {
	resultChan <-chan *model.Extraction
	cfg        *config.ProducerConfig
	log        *slog.Logger
	wg         *sync.WaitGroup
}

func NewKafkaProducer(resultChan <-chan *model.Extraction, cfg *config.ProducerConfig, log *slog.Logger,
	wg *sync.WaitGroup) *KafkaProducerClient {
	return &KafkaProducerClient{
		resultChan: resultChan,
		cfg:        cfg,
		log:        log,
		wg:         wg,
	}
}

// Run sends extraction results to kafka in batches.
// After shutdown it keeps running until resultChan is drained and closed.
func (p *KafkaProducerClient) Run() {
	defer p.wg.Done()
	p.log.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))

	w := kafka.Writer{
		Addr:         kafka.TCP(strings.Split(p.cfg.Addr, ",")...),
		Topic:        p.cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  p.cfg.MaxAttempts,
		BatchSize:    1,                // the parameter is controlled by 'batchTicker' variable
		BatchTimeout: time.Millisecond, // the parameter is controlled by 'batch' variable
		ReadTimeout:  p.cfg.ReadTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAsks),
		Async:        p.cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	defer func() {
		err := w.Close()
		if err != nil {
			p.log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	writeMessage := func(batch []kafka.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		err := w.WriteMessages(ctx, batch...)
		if err != nil {
			p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			return
		}
		p.log.Debug("successfully sent messages to kafka.", slog.Int("batch length", len(batch)))
	}

	for extraction := range p.resultChan {
		msg, err := resultMessage(extraction)
		if err != nil {
			p.log.Error("marshaling error.", slog.String("err", err.Error()), slog.String("url", extraction.URL))
			continue
		}
		batch = append(batch, msg)
		select {
		case <-batchTicker.C:
			writeMessage(batch)
			batch = batch[:0]
		default:
			if len(batch) >= p.cfg.BatchSize {
				writeMessage(batch)
				batch = batch[:0]
			}
		}
	}
	// Some messages may remain in the batch after resultChan is closed
	if len(batch) > 0 {
		p.log.Debug("messages in batch.", slog.Int("count", len(batch)))
		writeMessage(batch)
	}
	p.log.Info("stopping kafka writer.")
}

// resultMessage keys results by URL. The document itself travels through S3 when a link is present.
func resultMessage(extraction *model.Extraction) (kafka.Message, error) {
	payload := *extraction
	if payload.OutputLink != "" {
		payload.Output = ""
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(extraction.URL),
		Value: body,
	}, nil
}

type KafkaConsumerClient struct {
	taskChan chan<- *model.ExtractTask
	cfg      *config.ConsumerConfig
	log      *slog.Logger
	wg       *sync.WaitGroup
}

func NewKafkaConsumer(taskChan chan<- *model.ExtractTask, cfg *config.ConsumerConfig, log *slog.Logger,
	wg *sync.WaitGroup) *KafkaConsumerClient {
	return &KafkaConsumerClient{
		taskChan: taskChan,
		cfg:      cfg,
		log:      log,
		wg:       wg,
	}
}

// Run reads extraction tasks from kafka and sends them to taskChan.
// It closes taskChan and the reader when ctx is done.
func (c *KafkaConsumerClient) Run(ctx context.Context) {
	c.log.Info("starting kafka consumer.", slog.String("topic", c.cfg.ReadTopicName))
	defer c.wg.Done()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          strings.Split(c.cfg.Brokers, ","),
		Topic:            c.cfg.ReadTopicName,
		GroupID:          c.cfg.GroupID,
		MaxWait:          c.cfg.MaxWait,
		ReadBatchTimeout: c.cfg.ReadBatchTimeout,
	})
	defer func() {
		c.log.Info("stopping kafka reader.")
		err := r.Close()
		if err != nil {
			c.log.Error("failed to close kafka reader.", slog.String("err", err.Error()))
		}
		close(c.taskChan)
		c.log.Info("close taskChan.")
	}()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error("failed to read message from kafka.", slog.String("err", err.Error()))
			continue
		}
		c.log.Debug("successfully read messages from kafka.")

		task, err := decodeTask(m.Value)
		if err != nil {
			c.log.Error("failed to unmarshal message.", slog.String("err", err.Error()))
			continue
		}
		select {
		case c.taskChan <- task:
		case <-ctx.Done():
			return
		}
	}
}

func decodeTask(value []byte) (*model.ExtractTask, error) {
	var task model.ExtractTask
	if err := json.Unmarshal(value, &task); err != nil {
		return nil, err
	}
	if task.URL == "" && task.HTML == "" {
		return nil, errors.New("task has neither url nor html")
	}
	return &task, nil
}
