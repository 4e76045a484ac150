package csvparser

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/Sithey/sharpmailer/internal/models"
)

// ParseLeads parses recipients from a CSV. The CSV must contain a header row
// with an "Email" column (case-insensitive). All other columns become the
// lead's template variables, serialized the same way stored leads carry them.
//
// maxRows limits how many data rows are parsed (excluding header); zero or
// negative means the default cap.
func ParseLeads(r io.Reader, maxRows int) ([]models.Lead, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1 // malformed rows are skipped, not fatal

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		normalized[i] = h
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 10000
	}

	leads := make([]models.Lead, 0)
	for len(leads) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		vars := make(map[string]string, len(headers)-1)
		for i := range record {
			if i == emailIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			vars[key] = strings.TrimSpace(record[i])
		}

		lead := models.Lead{
			ID:    uuid.NewString(),
			Email: email,
		}
		if len(vars) > 0 {
			encoded, err := json.Marshal(vars)
			if err != nil {
				return nil, err
			}
			lead.Variables = string(encoded)
		}
		leads = append(leads, lead)
	}

	if len(leads) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}
	return leads, nil
}
