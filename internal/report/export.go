package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/opensource-finance/perch/internal/domain"
)

// RankingHeader is the header row of an exported ranking.
var RankingHeader = []string{"customer_id", "name", "email", "phone", "visits_last_window"}

// ErrBadRanking is returned when a ranking CSV cannot be read back.
var ErrBadRanking = errors.New("malformed ranking csv")

// WriteRankingCSV writes rows as CSV, header first.
func WriteRankingCSV(w io.Writer, rows []domain.RankingEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RankingHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.Customer.ID,
			r.Customer.Name,
			r.Customer.Email,
			r.Customer.Phone,
			strconv.Itoa(r.Visits),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing row for %s: %w", r.Customer.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportRankingCSV writes rows to path, replacing any existing file.
func ExportRankingCSV(path string, rows []domain.RankingEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WriteRankingCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadRankingCSV reads a ranking written by WriteRankingCSV.
func ReadRankingCSV(r io.Reader) ([]domain.RankingEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(RankingHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadRanking, err)
	}
	for i, col := range RankingHeader {
		if header[i] != col {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadRanking, i+1, header[i], col)
		}
	}

	var rows []domain.RankingEntry
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRanking, err)
		}
		visits, err := strconv.Atoi(record[4])
		if err != nil {
			return nil, fmt.Errorf("%w: visits for %s: %v", ErrBadRanking, record[0], err)
		}
		rows = append(rows, domain.RankingEntry{
			Customer: domain.Customer{ID: record[0], Name: record[1], Email: record[2], Phone: record[3]},
			Visits:   visits,
		})
	}
	return rows, nil
}
