package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token      string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	Checksum   string `parquet:"name=checksum, type=BYTE_ARRAY, convertedtype=UTF8"`
	OccurredAt string `parquet:"name=occurred_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every entry matching filter to a snappy-compressed
// parquet file at path and returns the number of rows written. Limit is
// ignored.
func (j *Journal) ExportParquet(ctx context.Context, path string, filter Filter) (int, error) {
	var entries []Entry
	if err := j.query(ctx, filter).Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("journal: export query: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("journal: export dir: %w", err)
	}
	if err := writeParquet(path, entries); err != nil {
		return 0, err
	}
	j.logger.Info("journal exported", "path", path, "rows", len(entries))
	return len(entries), nil
}

func writeParquet(path string, entries []Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		row := &parquetRow{
			ID:         entry.ID.String(),
			Type:       entry.Type,
			Account:    entry.Account,
			Token:      entry.Token,
			Amount:     entry.Amount,
			Attributes: entry.Attributes,
			Checksum:   entry.Checksum,
			OccurredAt: entry.OccurredAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			file.Close()
			return fmt.Errorf("journal: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("journal: close parquet file: %w", err)
	}
	return nil
}
