// Package input reads the tabular source of an import batch and enforces
// its field contract before any record is processed.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Record is one row of the import batch. Identity is positional within the
// batch; records are immutable once read. RoleLabel may be empty, in which
// case no group assignment is attempted.
type Record struct {
	LastName           string
	FirstName          string
	ExternalUserNumber string
	Login              string
	Email              string `validate:"required,email"`
	Address            string
	RoleLabel          string
}

// DisplayName is the account display name derived from the record.
func (r Record) DisplayName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// requiredColumns is the header contract. All columns must be present even
// when individual values are allowed to be empty.
var requiredColumns = []string{
	"lastName",
	"firstName",
	"externalUserNumber",
	"login",
	"email",
	"address",
	"roleLabel",
}

// ConfigurationError reports a source file whose shape makes the whole run
// invalid. It is raised before any record is processed.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("source is missing required columns: %s", strings.Join(e.Missing, ", "))
}

var recordValidator = validator.New()

// Validate checks the per-record field contract. Unlike header problems, a
// failing record is not fatal for the run; it is counted as failed and the
// batch continues.
func (r Record) Validate() error {
	if err := recordValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid record for %q: %w", r.Login, err)
	}
	return nil
}

// ReadRecords parses the delimited source. The header row is matched against
// the required column set; a missing column is a *ConfigurationError and no
// records are returned.
func ReadRecords(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigurationError{Missing: requiredColumns}
		}
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	var missing []string
	for _, name := range requiredColumns {
		if _, ok := index[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", len(records)+1, err)
		}

		records = append(records, Record{
			LastName:           field(row, index, "lastName"),
			FirstName:          field(row, index, "firstName"),
			ExternalUserNumber: field(row, index, "externalUserNumber"),
			Login:              field(row, index, "login"),
			Email:              field(row, index, "email"),
			Address:            field(row, index, "address"),
			RoleLabel:          field(row, index, "roleLabel"),
		})
	}
	return records, nil
}

func field(row []string, index map[string]int, name string) string {
	i := index[name]
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
