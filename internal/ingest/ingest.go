// Package ingest loads reservation exports into a visit dataset.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/perch/internal/domain"
)

var (
	// ErrSourceNotFound is returned when the CSV file does not exist.
	ErrSourceNotFound = errors.New("reservations file not found")

	// ErrMissingColumns is returned when the header lacks required columns.
	ErrMissingColumns = errors.New("missing required columns")
)

// Columns every reservations CSV must carry. Extra columns are ignored.
var Columns = []string{"reservation_id", "customer_id", "name", "email", "phone", "datetime", "party_size"}

// Accepted datetime layouts, tried in order. A bare date means midnight.
var layouts = []string{"2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}

// Stats summarizes one load.
type Stats struct {
	Rows       int `json:"rows"`
	Imported   int `json:"imported"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Customers  int `json:"customers"`
}

// Load reads the reservations CSV at path.
func Load(path string) (*domain.Dataset, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Stats{}, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return nil, Stats{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return Read(f)
}

// Read parses reservations from r. Malformed records, rows with an empty
// or repeated reservation id, an unparseable datetime or a non-positive
// party size are skipped. The first valid row seen for a customer defines its contact
// details, and customers are listed in order of first appearance.
func Read(r io.Reader) (*domain.Dataset, Stats, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, Stats{}, fmt.Errorf("%w: empty file", ErrMissingColumns)
		}
		return nil, Stats{}, fmt.Errorf("reading header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return nil, Stats{}, err
	}

	var (
		stats     Stats
		visits    []domain.Visit
		customers []domain.Customer
		seenRes   = make(map[string]struct{})
		seenCust  = make(map[string]struct{})
	)

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, stats, fmt.Errorf("line %d: %w", line, err)
			}
			stats.Rows++
			stats.Skipped++
			slog.Debug("skipping row", "line", perr.StartLine, "reason", perr.Err.Error())
			continue
		}
		stats.Rows++

		get := func(col string) string {
			i := idx[col]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		resID := get("reservation_id")
		if resID == "" {
			stats.Skipped++
			slog.Debug("skipping row", "line", line, "reason", "empty reservation_id")
			continue
		}
		if _, dup := seenRes[resID]; dup {
			stats.Duplicates++
			slog.Debug("skipping row", "line", line, "reason", "duplicate reservation_id", "reservation_id", resID)
			continue
		}
		seenRes[resID] = struct{}{}

		ts, err := ParseDateTime(get("datetime"))
		if err != nil {
			stats.Skipped++
			slog.Debug("skipping row", "line", line, "reason", err.Error())
			continue
		}
		size, err := strconv.Atoi(get("party_size"))
		if err != nil || size <= 0 {
			stats.Skipped++
			slog.Debug("skipping row", "line", line, "reason", "party_size must be a positive integer")
			continue
		}

		customerID := get("customer_id")
		if _, ok := seenCust[customerID]; !ok {
			seenCust[customerID] = struct{}{}
			customers = append(customers, domain.Customer{
				ID:    customerID,
				Name:  get("name"),
				Email: get("email"),
				Phone: get("phone"),
			})
		}

		visits = append(visits, domain.Visit{
			ID:         resID,
			CustomerID: customerID,
			Timestamp:  ts,
			PartySize:  size,
		})
		stats.Imported++
	}

	stats.Customers = len(customers)
	slog.Info("reservations loaded",
		"rows", stats.Rows,
		"imported", stats.Imported,
		"skipped", stats.Skipped,
		"duplicates", stats.Duplicates,
		"customers", stats.Customers,
	)
	return domain.NewDataset(customers, visits), stats, nil
}

// ParseDateTime parses a reservation datetime as a naive wall-clock time,
// carried in UTC.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.TrimSpace(col)
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		if _, ok := idx[col]; !ok {
			idx[col] = i
		}
	}

	var missing []string
	for _, col := range Columns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return idx, nil
}
