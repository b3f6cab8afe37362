package newsletter

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// Importer handles bulk subscriber import/export as CSV with columns
// email,name,status[,lists]. The lists column holds additional list names
// separated by ';'.
type Importer struct {
	store *Store
}

// NewImporter creates a CSV importer.
func NewImporter(store *Store) *Importer {
	return &Importer{store: store}
}

// ImportResult summarizes one import run.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// ImportCSV reads subscriber rows and upserts them into the given list.
// Rows with invalid emails are skipped, not fatal. The first row must be a
// header naming at least the email column.
func (im *Importer) ImportCSV(ctx context.Context, listID uuid.UUID, r io.Reader) (*ImportResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, &ValidationError{Field: "file", Message: "empty or unreadable CSV"}
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	emailCol, ok := cols["email"]
	if !ok {
		return nil, &ValidationError{Field: "file", Message: "missing email column"}
	}

	result := &ImportResult{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		email := field(record, emailCol)
		if !ValidEmail(email) {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid email", line))
			continue
		}

		sub := &Subscriber{Email: email}
		if i, ok := cols["name"]; ok {
			sub.Name = field(record, i)
		}
		if err := im.store.UpsertSubscriber(ctx, sub); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		status := MemberSubscribed
		if i, ok := cols["status"]; ok {
			if s := strings.ToLower(field(record, i)); s == MemberUnsubscribed {
				status = MemberUnsubscribed
			}
		}
		if err := im.store.SetMembership(ctx, sub.ID, listID, status); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		if i, ok := cols["lists"]; ok {
			im.attachExtraLists(ctx, sub.ID, field(record, i), status)
		}
		result.Imported++
	}

	logger.Info("csv import finished", "list_id", listID,
		"imported", result.Imported, "skipped", result.Skipped)
	return result, nil
}

// attachExtraLists subscribes the subscriber to additional lists named in
// the optional lists column, creating lists on first sight. Failures here
// are logged, not fatal to the row.
func (im *Importer) attachExtraLists(ctx context.Context, subscriberID uuid.UUID, names, status string) {
	for _, name := range strings.Split(names, ";") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		list, err := im.store.GetOrCreateListByName(ctx, name)
		if err != nil {
			logger.Warn("extra list resolve failed", "list", name, "error", err)
			continue
		}
		if err := im.store.SetMembership(ctx, subscriberID, list.ID, status); err != nil {
			logger.Warn("extra list membership failed", "list", name, "error", err)
		}
	}
}

// ExportCSV writes the list's members as email,name,status,lists rows.
func (im *Importer) ExportCSV(ctx context.Context, listID uuid.UUID, w io.Writer) error {
	subs, statuses, err := im.store.GetMembers(ctx, listID)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"email", "name", "status", "lists"}); err != nil {
		return err
	}
	for i, sub := range subs {
		names, err := im.store.ListNamesForSubscriber(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("resolve lists for %s: %w", sub.ID, err)
		}
		record := []string{sub.Email, sub.Name, statuses[i], strings.Join(names, ";")}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ValidEmail performs basic shape validation of an email address.
func ValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	local, domain := parts[0], parts[1]
	if len(local) == 0 || len(local) > 64 {
		return false
	}
	if len(domain) == 0 || len(domain) > 253 || !strings.Contains(domain, ".") {
		return false
	}
	return true
}
