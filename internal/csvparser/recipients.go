// Package csvparser turns an uploaded recipient CSV into batch send items.
package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// Recipient is one data row. Email comes from the "Email" column
// (case-insensitive); every other column lands in Fields for placeholder
// substitution.
type Recipient struct {
	Email  string
	Fields map[string]string
}

// ParseRecipients reads a CSV with a header row containing an Email column.
// Rows with a missing email or a column-count mismatch are skipped. maxRows
// bounds how many data rows are accepted.
func ParseRecipients(r io.Reader, maxRows int) ([]Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
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
		maxRows = 1000
	}

	recipients := make([]Recipient, 0)
	for len(recipients) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		fields := make(map[string]string, len(headers)-1)
		for i, v := range record {
			if i == emailIdx || normalized[i] == "" {
				continue
			}
			fields[normalized[i]] = strings.TrimSpace(v)
		}

		recipients = append(recipients, Recipient{Email: email, Fields: fields})
	}

	if len(recipients) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}
	return recipients, nil
}

// Substitute replaces {{Column}} placeholders in body with the recipient's
// field values. Plain string substitution; template rendering belongs to the
// caller, not the engine.
func Substitute(body string, fields map[string]string) string {
	if body == "" || len(fields) == 0 {
		return body
	}

	pairs := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
