// Package writer holds the archival sink: consumed candles batched into
// parquet objects and shipped to S3 for offline analytics.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "quantflow/config"
	"quantflow/logger"
	"quantflow/models"
)

// KlineParquetRecord is the on-disk row layout. Price and volume columns
// are decimal strings so archived files carry the exact values that were
// streamed.
type KlineParquetRecord struct {
	Exchange     string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market       string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID           int64  `parquet:"name=id, type=INT64"`
	Symbol       string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Interval     string `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	StartTime    int64  `parquet:"name=start_time, type=INT64"`
	EndTime      int64  `parquet:"name=end_time, type=INT64"`
	FirstTradeID int64  `parquet:"name=first_trade_id, type=INT64"`
	LastTradeID  int64  `parquet:"name=last_trade_id, type=INT64"`
	Open         string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close        string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	High         string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low          string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume       string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeNum     int64  `parquet:"name=trade_num, type=INT64"`
	QuoteVolume  string `parquet:"name=quote_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface over a byte
// buffer so files are assembled in memory before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Archiver buffers consumed candles per symbol and periodically flushes
// each buffer as one parquet object to S3. It satisfies the consumer's
// sink interface so it can run beside or instead of the analytical
// database.
type Archiver struct {
	config      *appconfig.Config
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.KlineEvent
	flushTicker *time.Ticker
}

func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	a := &Archiver{
		config:   cfg,
		s3Client: s3.NewFromConfig(awsCfg),
		wg:       &sync.WaitGroup{},
		log:      log,
		buffer:   make(map[string][]models.KlineEvent),
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket": cfg.Storage.S3.Bucket,
		"region": cfg.Storage.S3.Region,
		"prefix": cfg.Storage.S3.Prefix,
	}).Info("archiver initialized")

	return a, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	interval := time.Duration(a.config.Storage.S3.FlushInterval)
	if interval <= 0 {
		interval = time.Minute
	}
	a.flushTicker = time.NewTicker(interval)

	a.wg.Add(1)
	go a.flushWorker()

	a.log.WithComponent("archiver").Info("archiver started successfully")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("archiver").Info("stopping archiver")
	a.wg.Wait()
	a.flushBuffers("shutdown")
	a.log.WithComponent("archiver").Info("archiver stopped")
}

// InsertKline buffers a consumed batch. Buffers over the configured batch
// size flush immediately instead of waiting for the ticker.
func (a *Archiver) InsertKline(ctx context.Context, market string, klines []models.KlineEvent) error {
	batchSize := a.config.Storage.S3.BatchSize
	var full []string

	a.mu.Lock()
	for _, k := range klines {
		key := a.bufferKey(k)
		a.buffer[key] = append(a.buffer[key], k)
		if batchSize > 0 && len(a.buffer[key]) >= batchSize {
			full = append(full, key)
		}
	}
	a.mu.Unlock()

	for _, key := range full {
		a.flushBuffer(key, "batch_size")
	}
	return nil
}

func (a *Archiver) bufferKey(k models.KlineEvent) string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Exchange, k.Market, k.Symbol, k.Interval)
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	for {
		select {
		case <-a.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.RLock()
	keys := make([]string, 0, len(a.buffer))
	for key := range a.buffer {
		keys = append(keys, key)
	}
	a.mu.RUnlock()

	for _, key := range keys {
		a.flushBuffer(key, reason)
	}
}

func (a *Archiver) flushBuffer(key, reason string) {
	a.mu.Lock()
	entries := a.buffer[key]
	delete(a.buffer, key)
	a.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	batchID := uuid.New().String()
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"batch_id":     batchID,
		"buffer":       key,
		"record_count": len(entries),
		"reason":       reason,
	})

	data, err := createParquetFile(entries)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	s3Key := a.objectKey(entries[0], batchID)
	if err := a.upload(s3Key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": a.config.Storage.S3.Bucket,
			"s3_key": s3Key,
		}).Error("failed to upload to S3")
		return
	}

	log.WithFields(logger.Fields{
		"s3_key":    s3Key,
		"file_size": len(data),
	}).Info("batch archived successfully")
}

func (a *Archiver) objectKey(first models.KlineEvent, batchID string) string {
	now := time.Now().UTC()
	filename := fmt.Sprintf("kline_%s_%s_%s.parquet", first.Symbol, now.Format("20060102150405"), batchID)
	key := filepath.Join(
		a.config.Storage.S3.Prefix,
		fmt.Sprintf("exchange=%s", first.Exchange),
		fmt.Sprintf("market=%s", first.Market),
		fmt.Sprintf("symbol=%s", first.Symbol),
		fmt.Sprintf("interval=%s", first.Interval),
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		filename,
	)
	return filepath.ToSlash(key)
}

func createParquetFile(entries []models.KlineEvent) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := parquetwriter.NewParquetWriter(fw, new(KlineParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, k := range entries {
		record := KlineParquetRecord{
			Exchange:     k.Exchange,
			Market:       k.Market,
			ID:           k.ID,
			Symbol:       k.Symbol,
			Interval:     k.Interval,
			StartTime:    k.StartTime,
			EndTime:      k.EndTime,
			FirstTradeID: k.FirstTradeID,
			LastTradeID:  k.LastTradeID,
			Open:         k.Open.String(),
			Close:        k.Close.String(),
			High:         k.High.String(),
			Low:          k.Low.String(),
			Volume:       k.Volume.String(),
			TradeNum:     k.TradeNum,
			QuoteVolume:  k.QuoteVolume.String(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *Archiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"quantflow-version": a.config.Quantflow.Version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}
