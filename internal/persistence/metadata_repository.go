package persistence

import (
	"database/sql"
	"log/slog"

	"github.com/IliaW/css-inline-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
)

type MetadataStorage interface {
	Save(*model.Extraction)
}

type MetadataRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewMetadataRepository(db *sql.DB, log *slog.Logger) *MetadataRepository {
	return &MetadataRepository{db: db, log: log}
}

func (mr *MetadataRepository) Save(extraction *model.Extraction) {
	errs, err := jsoniter.MarshalToString(extraction.Errors)
	if err != nil {
		mr.log.Error("marshaling error.", slog.String("err", err.Error()))
		return
	}
	_, err = mr.db.Exec("INSERT INTO extraction_metadata (url, output_link, css_length, load_time, processing_time, requests_count, stripped_count, errors, html_source, worker_version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		extraction.URL,
		extraction.OutputLink,
		extraction.CSSLength,
		extraction.LoadTime,
		extraction.ProcessingTime,
		len(extraction.Requests),
		len(extraction.Stripped),
		errs,
		extraction.HTMLSource,
		extraction.WorkerVersion)
	if err != nil {
		mr.log.Error("failed to save extraction metadata to database.", slog.String("err", err.Error()))
		return
	}
	mr.log.Debug("extraction metadata saved to db.")
}
