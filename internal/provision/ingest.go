package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/metrics"
	"assistantbridge/internal/openai"
	"assistantbridge/internal/storage"
)

// Idempotency remembers batch keys so a resubmitted batch is not uploaded twice.
type Idempotency interface {
	MarkFirst(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type IngestRequest struct {
	ConfigID int64
	// RecordID is the file record that started the batch. The first file
	// that reaches the provider is written to it; later files get new
	// records. Zero means every file gets a new record.
	RecordID       int64
	Refs           []string
	IdempotencyKey string
}

type FileResult struct {
	Ref      string             `json:"ref"`
	Filename string             `json:"filename,omitempty"`
	RecordID int64              `json:"record_id,omitempty"`
	RemoteID string             `json:"remote_id,omitempty"`
	Status   storage.FileStatus `json:"status,omitempty"`
	Error    string             `json:"error,omitempty"`

	err error
}

func (r FileResult) Err() error { return r.err }

type Report struct {
	Duplicate     bool         `json:"duplicate,omitempty"`
	Succeeded     int          `json:"succeeded"`
	Failed        int          `json:"failed"`
	RemoteFileIDs []string     `json:"remote_file_ids"`
	Results       []FileResult `json:"results"`
}

type Ingestion struct {
	store   Store
	keys    KeyResolver
	dial    Dialer
	stores  *KnowledgeStores
	files   FileSource
	idem    Idempotency
	maxSize int64
	exts    extensionSet
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type IngestionConfig struct {
	Store  Store
	Keys   KeyResolver
	Dial   Dialer
	Stores *KnowledgeStores
	Files  FileSource
	// Idempotency is optional; without it every batch is processed.
	Idempotency Idempotency
	MaxSize     int64
	// Extensions defaults to DefaultExtensions.
	Extensions []string
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func NewIngestion(cfg IngestionConfig) *Ingestion {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = MaxFileSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Ingestion{
		store:   cfg.Store,
		keys:    cfg.Keys,
		dial:    cfg.Dial,
		stores:  cfg.Stores,
		files:   cfg.Files,
		idem:    cfg.Idempotency,
		maxSize: cfg.MaxSize,
		exts:    newExtensionSet(cfg.Extensions),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Ingest uploads every referenced file, attaches it to the configuration's
// vector store and records the result. Per-file problems are reported in the
// Report and never abort the batch; the returned error is reserved for
// failures that stop the whole batch.
func (p *Ingestion) Ingest(ctx context.Context, req IngestRequest) (Report, error) {
	var idemKey string
	if p.idem != nil && req.IdempotencyKey != "" {
		idemKey = batchKey(req)
		first, err := p.idem.MarkFirst(ctx, idemKey)
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Msg("idempotency check failed, processing batch")
			idemKey = ""
		case !first:
			p.logger.Info().Int64("config_id", req.ConfigID).Msg("duplicate ingestion batch skipped")
			return Report{Duplicate: true, RemoteFileIDs: []string{}, Results: []FileResult{}}, nil
		}
	}

	report, err := p.ingest(ctx, req)
	if err != nil && idemKey != "" {
		if rerr := p.idem.Release(context.WithoutCancel(ctx), idemKey); rerr != nil {
			p.logger.Warn().Err(rerr).Msg("release idempotency key")
		}
	}
	return report, err
}

// batchKey identifies a batch by configuration, caller key and the set of
// references. The initiating record is left out: every request gets a fresh one.
func batchKey(req IngestRequest) string {
	refs := make([]string, 0, len(req.Refs))
	for _, r := range req.Refs {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	sort.Strings(refs)
	sum := sha256.Sum256([]byte(strings.Join(refs, "\n")))
	return fmt.Sprintf("%d:%s:%s", req.ConfigID, req.IdempotencyKey, hex.EncodeToString(sum[:]))
}

func (p *Ingestion) ingest(ctx context.Context, req IngestRequest) (Report, error) {
	report := Report{RemoteFileIDs: []string{}, Results: []FileResult{}}

	cfg, err := p.store.GetConfiguration(ctx, req.ConfigID)
	if err != nil {
		return report, fmt.Errorf("load configuration %d: %w", req.ConfigID, err)
	}
	key, err := p.keys.Resolve(cfg)
	if err != nil {
		return report, err
	}

	var initiating *storage.File
	if req.RecordID != 0 {
		rec, err := p.store.GetFile(ctx, req.RecordID)
		if err != nil {
			return report, fmt.Errorf("load file record %d: %w", req.RecordID, err)
		}
		if rec.ConfigID != cfg.ID {
			return report, fmt.Errorf("file record %d belongs to configuration %d: %w", rec.ID, rec.ConfigID, storage.ErrNotFound)
		}
		if _, err := rec.Status.Next(storage.FileStart); err != nil {
			return report, err
		}
		initiating = &rec
	}

	storeID, err := p.stores.Ensure(ctx, cfg.ID)
	if err != nil {
		return report, fmt.Errorf("%w: %w", apperr.ErrNoKnowledgeStore, err)
	}
	api := p.dial(key)

	for _, ref := range req.Refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		res := p.ingestOne(ctx, api, cfg.ID, storeID, ref, &initiating)
		if res.err != nil {
			res.Error = res.err.Error()
			report.Failed++
			p.metrics.FilesIngested.WithLabelValues(resultLabel(res.err)).Inc()
		} else {
			report.Succeeded++
			report.RemoteFileIDs = append(report.RemoteFileIDs, res.RemoteID)
			p.metrics.FilesIngested.WithLabelValues("ok").Inc()
		}
		report.Results = append(report.Results, res)
	}

	p.logger.Info().
		Int64("config_id", cfg.ID).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("file ingestion finished")
	return report, nil
}

// ingestOne handles a single reference. The initiating record is consumed by
// the first file that reaches the provider, whether the upload works or not.
func (p *Ingestion) ingestOne(ctx context.Context, api API, configID int64, storeID, ref string, initiating **storage.File) FileResult {
	res := FileResult{Ref: ref}
	log := p.logger.With().Int64("config_id", configID).Str("ref", ref).Logger()

	name, size, err := p.files.Stat(ref)
	if err != nil {
		log.Warn().Err(err).Msg("file unavailable")
		res.err = err
		return res
	}
	res.Filename = name
	if !p.exts.allows(name) {
		res.err = fmt.Errorf("%s: %w", name, apperr.ErrUnsupportedType)
		log.Warn().Err(res.err).Msg("file rejected")
		return res
	}
	if size > p.maxSize {
		res.err = fmt.Errorf("%s is %d bytes: %w", name, size, apperr.ErrTooLarge)
		log.Warn().Err(res.err).Msg("file rejected")
		return res
	}

	rec := storage.File{ConfigID: configID, Filename: name, SizeBytes: size, Status: storage.FilePending}
	claimed := *initiating != nil
	if claimed {
		rec = **initiating
		*initiating = nil
		rec.Filename = name
		rec.SizeBytes = size
		if rec.Status, err = rec.Status.Next(storage.FileStart); err != nil {
			res.err = err
			return res
		}
		if err := p.store.UpdateFile(ctx, rec); err != nil {
			res.err = fmt.Errorf("mark file processing: %w", err)
			return res
		}
		res.RecordID = rec.ID
	}

	obj, err := p.upload(ctx, api, ref, name)
	if err != nil {
		log.Error().Err(err).Msg("file upload failed")
		res.err = err
		if claimed {
			p.reject(ctx, log, &rec)
			res.Status = rec.Status
		}
		return res
	}

	rec.RemoteID = storage.StringPtr(obj.ID)
	if obj.Bytes > 0 {
		rec.SizeBytes = obj.Bytes
	}
	event := storage.FileStored
	if obj.Status == "error" {
		event = storage.FileFail
	}
	if rec.Status, err = rec.Status.Next(event); err != nil {
		res.err = err
		return res
	}
	if err := p.persist(ctx, &rec, claimed); err != nil {
		res.err = err
		return res
	}
	res.RecordID = rec.ID
	res.RemoteID = obj.ID
	res.Status = rec.Status

	if rec.Status == storage.FileFailed {
		res.err = fmt.Errorf("provider rejected %s", name)
		return res
	}

	if _, err := api.AttachFile(ctx, storeID, obj.ID); err != nil {
		log.Error().Err(err).Str("file_id", obj.ID).Str("vector_store_id", storeID).Msg("failed to attach file to vector store")
		return res
	}
	indexed, err := rec.Status.Next(storage.FileIndexed)
	if err != nil {
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("cannot mark file completed")
		return res
	}
	rec.Status = indexed
	if err := p.store.UpdateFile(ctx, rec); err != nil {
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to mark file completed")
		return res
	}
	res.Status = rec.Status
	log.Info().Str("file_id", obj.ID).Msg("file ingested")
	return res
}

func (p *Ingestion) reject(ctx context.Context, log zerolog.Logger, rec *storage.File) {
	failed, err := rec.Status.Next(storage.FileReject)
	if err != nil {
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("cannot mark file failed")
		return
	}
	rec.Status = failed
	if err := p.store.UpdateFile(ctx, *rec); err != nil {
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("failed to record upload error")
	}
}

func (p *Ingestion) upload(ctx context.Context, api API, ref, name string) (openai.FileObject, error) {
	body, err := p.files.Open(ref)
	if err != nil {
		return openai.FileObject{}, err
	}
	defer body.Close()
	obj, err := api.UploadFile(ctx, name, body, openai.PurposeAssistants)
	if err != nil {
		return openai.FileObject{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return obj, nil
}

func (p *Ingestion) persist(ctx context.Context, rec *storage.File, existing bool) error {
	if existing {
		if err := p.store.UpdateFile(ctx, *rec); err != nil {
			return fmt.Errorf("update file record %d: %w", rec.ID, err)
		}
		return nil
	}
	id, err := p.store.CreateFile(ctx, *rec)
	if err != nil {
		return fmt.Errorf("create file record: %w", err)
	}
	rec.ID = id
	return nil
}

// DeleteFile removes the uploaded file from the provider, tolerating one that
// is already gone, then deletes the local record.
func (p *Ingestion) DeleteFile(ctx context.Context, fileID int64) error {
	rec, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if remote := storage.Deref(rec.RemoteID); remote != "" {
		cfg, err := p.store.GetConfiguration(ctx, rec.ConfigID)
		if err != nil {
			return fmt.Errorf("load configuration %d: %w", rec.ConfigID, err)
		}
		key, err := p.keys.Resolve(cfg)
		if err != nil {
			return err
		}
		if err := deleteTolerant(p.dial(key).DeleteFile(ctx, remote)); err != nil {
			return fmt.Errorf("delete remote file %s: %w", remote, err)
		}
	}
	return p.store.DeleteFile(ctx, fileID)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrFileNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrUnsupportedType):
		return "unsupported"
	case errors.Is(err, apperr.ErrTooLarge):
		return "too_large"
	default:
		return "error"
	}
}
